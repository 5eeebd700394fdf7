package api

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/miradorstack/mirador-events/internal/config"
	"github.com/miradorstack/mirador-events/internal/engine"
	"github.com/miradorstack/mirador-events/internal/events"
	"github.com/miradorstack/mirador-events/internal/models"
	"github.com/miradorstack/mirador-events/internal/services"
	"github.com/miradorstack/mirador-events/internal/store"
)

func startServer(t *testing.T, srv CollectorServer) (*CollectorClient, *grpc.ClientConn) {
	t.Helper()
	server, err := NewServer(config.ServerConfig{Address: "127.0.0.1:0", GracefulTimeout: time.Second}, srv)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() { _ = server.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
		defer cancel()
		server.Shutdown(ctx)
	})

	conn, err := grpc.NewClient(server.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewCollectorClient(conn), conn
}

func newHandlers(t *testing.T) *Handlers {
	t.Helper()
	reg, err := models.NewRegistry(store.NewMemoryStore())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng, err := engine.New(reg, events.NewRegistry(), engine.Options{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return NewHandlers(nil, services.NewCollectorService(nil, eng, nil))
}

func storeRequest(t *testing.T, msg string) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(map[string]interface{}{
		"event_type": "Message",
		"tags":       []interface{}{[]interface{}{"server", "db-1"}},
		"date":       "2024-05-01T12:00:00Z",
		"time_spent": 12,
		"data": map[string]interface{}{
			events.PayloadKey: map[string]interface{}{"message": msg},
		},
	})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return req
}

func TestCollectorRoundTrip(t *testing.T) {
	client, _ := startServer(t, newHandlers(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var groupID string
	for i := 0; i < 2; i++ {
		resp, err := client.Store(ctx, storeRequest(t, "replica lag"))
		if err != nil {
			t.Fatalf("store: %v", err)
		}
		if resp.GetFields()["id"].GetStringValue() == "" {
			t.Fatalf("expected event id")
		}
		groupID = resp.GetFields()["groups"].GetListValue().GetValues()[0].GetStringValue()
	}

	group, err := client.GetGroup(ctx, wrapperspb.String(groupID))
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	f := group.GetFields()
	if f["count"].GetNumberValue() != 2 || f["time_spent"].GetNumberValue() != 24 || f["message"].GetStringValue() != "replica lag" {
		t.Fatalf("unexpected group %v", group)
	}
	if f["first_seen"].GetStringValue() != "2024-05-01T12:00:00Z" {
		t.Fatalf("unexpected first_seen %v", f["first_seen"])
	}

	list, err := client.ListGroups(ctx, &structpb.Struct{})
	if err != nil || list.GetFields()["total"].GetNumberValue() != 1 {
		t.Fatalf("list groups: %v (%v)", list, err)
	}

	evReq, _ := structpb.NewStruct(map[string]interface{}{"group_id": groupID, "limit": 1})
	evs, err := client.ListGroupEvents(ctx, evReq)
	if err != nil || len(evs.GetFields()["events"].GetListValue().GetValues()) != 1 {
		t.Fatalf("list events: %v (%v)", evs, err)
	}

	resolved, err := client.ResolveGroup(ctx, wrapperspb.String(groupID))
	if err != nil || resolved.GetFields()["state"].GetStringValue() != "resolved" {
		t.Fatalf("resolve: %v (%v)", resolved, err)
	}
	filterReq, _ := structpb.NewStruct(map[string]interface{}{"state": "resolved"})
	filtered, err := client.ListGroups(ctx, filterReq)
	if err != nil || filtered.GetFields()["total"].GetNumberValue() != 1 {
		t.Fatalf("filtered list: %v (%v)", filtered, err)
	}

	tags, err := client.TopTags(ctx, wrapperspb.Int32(5))
	if err != nil {
		t.Fatalf("top tags: %v", err)
	}
	first := tags.GetFields()["tags"].GetListValue().GetValues()[0].GetStructValue().GetFields()
	if first["value"].GetStringValue() != "db-1" || first["count"].GetNumberValue() != 2 {
		t.Fatalf("unexpected tags %v", tags)
	}
}

func TestFromStoreStructRoundsTimeSpent(t *testing.T) {
	req := storeRequest(t, "slow query")
	req.Fields["time_spent"] = structpb.NewNumberValue(12.5)

	out, err := FromStoreStruct(req)
	if err != nil {
		t.Fatalf("from struct: %v", err)
	}
	if out.TimeSpent != 13 || out.Type != "Message" || len(out.Tags) != 1 {
		t.Fatalf("unexpected request %+v", out)
	}
}

func TestCollectorStatusCodes(t *testing.T) {
	client, _ := startServer(t, newHandlers(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.GetGroup(ctx, wrapperspb.String("missing"))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}

	bad, _ := structpb.NewStruct(map[string]interface{}{"event_type": "Bogus", "data": map[string]interface{}{}})
	if _, err := client.Store(ctx, bad); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	badDate, _ := structpb.NewStruct(map[string]interface{}{"event_type": "Message", "date": "soon"})
	if _, err := client.Store(ctx, badDate); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for bad date, got %v", err)
	}
}

func TestUnimplementedCollector(t *testing.T) {
	client, conn := startServer(t, UnimplementedCollectorServer{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.TopTags(ctx, wrapperspb.Int32(1)); status.Code(err) != codes.Unimplemented {
		t.Fatalf("expected Unimplemented, got %v", err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: CollectorServiceName})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected serving health, got %v (%v)", resp, err)
	}
}

func TestCodeFor(t *testing.T) {
	if CodeFor(nil) != codes.Internal {
		t.Fatalf("expected internal for unclassified errors")
	}
}
