package record

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/miradorstack/mirador-events/internal/keys"
	"github.com/miradorstack/mirador-events/internal/store"
)

var (
	// ErrNotFound is returned when a primary key or lookup resolves to nothing.
	ErrNotFound = errors.New("record not found")
	// ErrMultipleMatches is returned when a lookup expected to be unique
	// resolves to more than one record.
	ErrMultipleMatches = errors.New("multiple records match")
	// ErrValidation covers unknown fields and values failing coercion.
	ErrValidation = errors.New("invalid record")
)

// Schema declares a record kind.
type Schema struct {
	Kind   string
	Fields []Field
	// Ordering names the sortable field used for default listings. When empty
	// instances are listed through store.DefaultIndex in creation order.
	Ordering string
	// Sortables are numeric fields mirrored into an index of the same name.
	Sortables []string
	// Constraints are field tuples used for lookups and get-or-create.
	Constraints [][]string
	// Relations lists the kinds this kind links to; Delete unlinks them.
	Relations []string
}

// Values holds decoded field values keyed by field name.
type Values map[string]any

// Instance is a decoded record.
type Instance struct {
	PK     string
	Values Values
}

// Str returns a string field or "".
func (i *Instance) Str(name string) string {
	v, _ := i.Values[name].(string)
	return v
}

// Int returns an integer field or 0.
func (i *Instance) Int(name string) int64 {
	v, _ := i.Values[name].(int64)
	return v
}

// Float returns a float field or 0.
func (i *Instance) Float(name string) float64 {
	v, _ := i.Values[name].(float64)
	return v
}

// Time returns a datetime field or the zero time.
func (i *Instance) Time(name string) time.Time {
	v, _ := i.Values[name].(time.Time)
	return v
}

// Decode unmarshals a list field into out.
func (i *Instance) Decode(name string, out any) error {
	raw, ok := i.Values[name].(json.RawMessage)
	if !ok {
		return errors.Wrapf(ErrValidation, "field %s is not a list", name)
	}
	return json.Unmarshal(raw, out)
}

// Model binds a Schema to a Store and implements the typed record operations.
type Model struct {
	store  store.Store
	schema Schema
	fields map[string]Field
	now    func() time.Time
}

// New validates schema and returns a Model over s.
func New(s store.Store, schema Schema) (*Model, error) {
	if s == nil {
		return nil, errors.New("record: store is required")
	}
	if schema.Kind == "" {
		return nil, errors.Wrap(ErrValidation, "schema kind is required")
	}

	fields := make(map[string]Field, len(schema.Fields))
	for _, f := range schema.Fields {
		if f.Name == "" {
			return nil, errors.Wrapf(ErrValidation, "%s: unnamed field", schema.Kind)
		}
		if _, dup := fields[f.Name]; dup {
			return nil, errors.Wrapf(ErrValidation, "%s: duplicate field %s", schema.Kind, f.Name)
		}
		if d, ok := f.Default.(func() any); !ok && f.Default != nil {
			if _, err := f.toStorage(f.Default); err != nil {
				return nil, errors.Wrapf(err, "%s: default", schema.Kind)
			}
		} else if ok && d == nil {
			return nil, errors.Wrapf(ErrValidation, "%s: nil default generator for %s", schema.Kind, f.Name)
		}
		fields[f.Name] = f
	}

	if schema.Ordering != "" && !contains(schema.Sortables, schema.Ordering) {
		schema.Sortables = append(append([]string(nil), schema.Sortables...), schema.Ordering)
	}
	for _, name := range schema.Sortables {
		f, ok := fields[name]
		if !ok {
			return nil, errors.Wrapf(ErrValidation, "%s: unknown sortable %s", schema.Kind, name)
		}
		if !f.Type.numeric() {
			return nil, errors.Wrapf(ErrValidation, "%s: sortable %s is %s", schema.Kind, name, f.Type)
		}
	}
	for _, tuple := range schema.Constraints {
		if len(tuple) == 0 {
			return nil, errors.Wrapf(ErrValidation, "%s: empty constraint", schema.Kind)
		}
		for _, name := range tuple {
			if _, ok := fields[name]; !ok {
				return nil, errors.Wrapf(ErrValidation, "%s: unknown constraint field %s", schema.Kind, name)
			}
		}
	}

	return &Model{store: s, schema: schema, fields: fields, now: time.Now}, nil
}

// Kind returns the record kind.
func (m *Model) Kind() string { return m.schema.Kind }

// Create stores a new record under a generated key and indexes it.
func (m *Model) Create(ctx context.Context, values Values) (*Instance, error) {
	return m.CreateWithPK(ctx, "", values)
}

// CreateWithPK stores a record under pk, generating one when pk is empty.
// Creating an existing pk overwrites it in place.
func (m *Model) CreateWithPK(ctx context.Context, pk string, values Values) (*Instance, error) {
	raw, err := m.encode(m.withDefaults(values))
	if err != nil {
		return nil, err
	}

	if pk == "" {
		if pk, err = m.store.Add(ctx, m.schema.Kind, raw); err != nil {
			return nil, err
		}
	} else {
		previous, err := m.store.Get(ctx, m.schema.Kind, pk)
		if err != nil {
			return nil, err
		}
		if len(previous) > 0 {
			if err := m.unconstrain(ctx, pk, previous); err != nil {
				return nil, err
			}
		}
		if err := m.store.Set(ctx, m.schema.Kind, pk, raw); err != nil {
			return nil, err
		}
	}

	inst, err := m.decode(pk, raw)
	if err != nil {
		return nil, err
	}
	if err := m.index(ctx, inst); err != nil {
		return nil, err
	}
	for _, tuple := range m.schema.Constraints {
		if keyFields, ok := constraintFields(tuple, raw); ok {
			if err := m.store.AddToConstraint(ctx, m.schema.Kind, pk, keyFields); err != nil {
				return nil, err
			}
		}
	}
	return inst, nil
}

// Get loads the record stored under pk.
func (m *Model) Get(ctx context.Context, pk string) (*Instance, error) {
	raw, err := m.store.Get(ctx, m.schema.Kind, pk)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "%s %s", m.schema.Kind, pk)
	}
	return m.decode(pk, raw)
}

// GetOrCreate returns the record matching lookup, creating it from lookup
// merged over defaults when none exists. lookup must cover exactly one
// declared constraint. Concurrent callers with the same lookup converge on a
// single record: the atomic constraint claim decides the winner and losers
// discard their tentative record.
func (m *Model) GetOrCreate(ctx context.Context, lookup, defaults Values) (*Instance, bool, error) {
	tuple, err := m.constraintFor(lookup)
	if err != nil {
		return nil, false, err
	}
	keyRaw, err := m.encode(lookup)
	if err != nil {
		return nil, false, err
	}
	keyFields, _ := constraintFields(tuple, keyRaw)

	existing, err := m.store.ListByConstraint(ctx, m.schema.Kind, keyFields)
	if err != nil {
		return nil, false, err
	}
	switch len(existing) {
	case 0:
	case 1:
		inst, err := m.Get(ctx, existing[0])
		if err == nil || !errors.Is(err, ErrNotFound) {
			return inst, false, err
		}
		// dangling member from an interrupted delete; drop it and claim afresh
		if err := m.store.RemoveFromConstraint(ctx, m.schema.Kind, existing[0], keyFields); err != nil {
			return nil, false, err
		}
	default:
		return nil, false, errors.Wrapf(ErrMultipleMatches, "%s %v", m.schema.Kind, keyFields)
	}

	merged := make(Values, len(defaults)+len(lookup))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range lookup {
		merged[k] = v
	}
	raw, err := m.encode(m.withDefaults(merged))
	if err != nil {
		return nil, false, err
	}

	pk := keys.GenerateKey()
	if err := m.store.Set(ctx, m.schema.Kind, pk, raw); err != nil {
		return nil, false, err
	}
	inst, err := m.decode(pk, raw)
	if err != nil {
		return nil, false, err
	}
	if err := m.index(ctx, inst); err != nil {
		return nil, false, err
	}

	winner, err := m.store.ClaimConstraint(ctx, m.schema.Kind, pk, keyFields)
	if err != nil {
		return nil, false, err
	}
	if winner != pk {
		if err := m.discard(ctx, pk); err != nil {
			return nil, false, err
		}
		inst, err := m.Get(ctx, winner)
		return inst, false, err
	}

	for _, other := range m.schema.Constraints {
		if sameTuple(other, tuple) {
			continue
		}
		if kf, ok := constraintFields(other, raw); ok {
			if err := m.store.AddToConstraint(ctx, m.schema.Kind, pk, kf); err != nil {
				return nil, false, err
			}
		}
	}
	return inst, true, nil
}

// Filter returns every record matching lookup, which must cover exactly one
// declared constraint.
func (m *Model) Filter(ctx context.Context, lookup Values) ([]*Instance, error) {
	tuple, err := m.constraintFor(lookup)
	if err != nil {
		return nil, err
	}
	raw, err := m.encode(lookup)
	if err != nil {
		return nil, err
	}
	keyFields, _ := constraintFields(tuple, raw)
	pks, err := m.store.ListByConstraint(ctx, m.schema.Kind, keyFields)
	if err != nil {
		return nil, err
	}

	out := make([]*Instance, 0, len(pks))
	for _, pk := range pks {
		inst, err := m.Get(ctx, pk)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// GetBy returns the single record matching lookup.
func (m *Model) GetBy(ctx context.Context, lookup Values) (*Instance, error) {
	matches, err := m.Filter(ctx, lookup)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, errors.Wrapf(ErrNotFound, "%s %v", m.schema.Kind, lookup)
	case 1:
		return matches[0], nil
	default:
		return nil, errors.Wrapf(ErrMultipleMatches, "%s %v", m.schema.Kind, lookup)
	}
}

// Increment atomically adds amount to an integer field and moves the record
// within that field's index when it is sortable.
func (m *Model) Increment(ctx context.Context, pk, field string, amount int64) (int64, error) {
	f, ok := m.fields[field]
	if !ok {
		return 0, errors.Wrapf(ErrValidation, "%s: unknown field %s", m.schema.Kind, field)
	}
	if f.Type != Integer {
		return 0, errors.Wrapf(ErrValidation, "%s: cannot increment %s field %s", m.schema.Kind, f.Type, field)
	}
	value, err := m.store.Increment(ctx, m.schema.Kind, pk, field, amount)
	if errors.Is(err, store.ErrNoRecord) {
		return 0, errors.Wrapf(ErrNotFound, "%s %s", m.schema.Kind, pk)
	}
	if err != nil {
		return 0, err
	}
	if contains(m.schema.Sortables, field) {
		if err := m.store.AddToIndex(ctx, m.schema.Kind, pk, field, float64(value)); err != nil {
			return 0, err
		}
	}
	return value, nil
}

// Raise sets a sortable field to value only when value sorts above the stored
// one. The comparison and write are a single store operation, so concurrent
// callers converge on the maximum. It reports whether value was written.
func (m *Model) Raise(ctx context.Context, pk, field string, value any) (bool, error) {
	f, ok := m.fields[field]
	if !ok {
		return false, errors.Wrapf(ErrValidation, "%s: unknown field %s", m.schema.Kind, field)
	}
	if !contains(m.schema.Sortables, field) {
		return false, errors.Wrapf(ErrValidation, "%s: %s is not sortable", m.schema.Kind, field)
	}
	raw, err := f.toStorage(value)
	if err != nil {
		return false, err
	}
	decoded, err := f.fromStorage(raw)
	if err != nil {
		return false, err
	}
	wrote, err := m.store.RaiseField(ctx, m.schema.Kind, pk, field, raw, field, f.score(decoded))
	if errors.Is(err, store.ErrNoRecord) {
		return false, errors.Wrapf(ErrNotFound, "%s %s", m.schema.Kind, pk)
	}
	return wrote, err
}

// Update merges values into an existing record, keeping indexes and
// constraints in step with the new values.
func (m *Model) Update(ctx context.Context, pk string, values Values) (*Instance, error) {
	raw, err := m.encode(values)
	if err != nil {
		return nil, err
	}
	previous, err := m.store.Get(ctx, m.schema.Kind, pk)
	if err != nil {
		return nil, err
	}
	if len(previous) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "%s %s", m.schema.Kind, pk)
	}

	for _, tuple := range m.schema.Constraints {
		if !touches(tuple, raw) {
			continue
		}
		if kf, ok := constraintFields(tuple, previous); ok {
			if err := m.store.RemoveFromConstraint(ctx, m.schema.Kind, pk, kf); err != nil {
				return nil, err
			}
		}
	}
	if err := m.store.Set(ctx, m.schema.Kind, pk, raw); err != nil {
		return nil, err
	}

	merged := previous.Clone()
	for k, v := range raw {
		merged[k] = v
	}
	inst, err := m.decode(pk, merged)
	if err != nil {
		return nil, err
	}

	for _, name := range m.schema.Sortables {
		if _, ok := raw[name]; !ok {
			continue
		}
		if err := m.store.AddToIndex(ctx, m.schema.Kind, pk, name, m.fields[name].score(inst.Values[name])); err != nil {
			return nil, err
		}
	}
	for _, tuple := range m.schema.Constraints {
		if !touches(tuple, raw) {
			continue
		}
		if kf, ok := constraintFields(tuple, merged); ok {
			if err := m.store.AddToConstraint(ctx, m.schema.Kind, pk, kf); err != nil {
				return nil, err
			}
		}
	}
	return inst, nil
}

// Delete removes the record, its metadata, every index and constraint entry,
// and the relation edges in both directions. Index entries go last so that a
// delete failing midway stays visible to Scan and can be repeated.
func (m *Model) Delete(ctx context.Context, pk string) error {
	raw, err := m.store.Get(ctx, m.schema.Kind, pk)
	if err != nil {
		return err
	}
	if err := m.unconstrain(ctx, pk, raw); err != nil {
		return err
	}
	for _, toKind := range m.schema.Relations {
		related, err := m.store.ListRelations(ctx, m.schema.Kind, pk, toKind, 0, 0, false)
		if err != nil {
			return err
		}
		for _, entry := range related {
			if err := m.store.RemoveRelation(ctx, toKind, entry.PK, m.schema.Kind, pk); err != nil {
				return err
			}
		}
		if err := m.store.RemoveRelation(ctx, m.schema.Kind, pk, toKind, ""); err != nil {
			return err
		}
	}
	if err := m.store.Delete(ctx, m.schema.Kind, pk); err != nil {
		return err
	}
	return m.unindex(ctx, pk)
}

// SetMeta stores value as JSON under name in the record's metadata.
func (m *Model) SetMeta(ctx context.Context, pk, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(ErrValidation, "%s metadata %s: %v", m.schema.Kind, name, err)
	}
	return m.store.SetMeta(ctx, m.schema.Kind, pk, store.Fields{name: string(raw)})
}

// GetMeta decodes the metadata entry name into out.
func (m *Model) GetMeta(ctx context.Context, pk, name string, out any) error {
	meta, err := m.store.GetMeta(ctx, m.schema.Kind, pk)
	if err != nil {
		return err
	}
	raw, ok := meta[name]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s %s metadata %s", m.schema.Kind, pk, name)
	}
	return json.Unmarshal([]byte(raw), out)
}

// All lists records in the schema's default order.
func (m *Model) All(ctx context.Context, offset, limit int) ([]*Instance, error) {
	return m.OrderBy(ctx, "", offset, limit)
}

// OrderBy lists records through a sortable index. A leading '-' sorts
// descending; an empty order uses the default ordering.
func (m *Model) OrderBy(ctx context.Context, order string, offset, limit int) ([]*Instance, error) {
	index, desc, err := m.resolveOrder(order)
	if err != nil {
		return nil, err
	}
	entries, err := m.store.List(ctx, m.schema.Kind, index, offset, limit, desc)
	if err != nil {
		return nil, err
	}
	return m.decodeEntries(entries)
}

// Scan is OrderBy without skipping index members whose record is gone. Those
// come back as instances with nil Values so a caller can finish deleting them.
func (m *Model) Scan(ctx context.Context, order string, offset, limit int) ([]*Instance, error) {
	index, desc, err := m.resolveOrder(order)
	if err != nil {
		return nil, err
	}
	entries, err := m.store.List(ctx, m.schema.Kind, index, offset, limit, desc)
	if err != nil {
		return nil, err
	}
	out := make([]*Instance, 0, len(entries))
	for _, e := range entries {
		if len(e.Fields) == 0 {
			out = append(out, &Instance{PK: e.PK})
			continue
		}
		inst, err := m.decode(e.PK, e.Fields)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// Count returns the number of records in the default ordering.
func (m *Model) Count(ctx context.Context) (int64, error) {
	index, _, _ := m.resolveOrder("")
	return m.store.Count(ctx, m.schema.Kind, index)
}

// AddRelation links pk to a record of another kind in both directions.
func (m *Model) AddRelation(ctx context.Context, pk, toKind, toPK string, score float64) error {
	if err := m.store.AddRelation(ctx, m.schema.Kind, pk, toKind, toPK, score); err != nil {
		return err
	}
	return m.store.AddRelation(ctx, toKind, toPK, m.schema.Kind, pk, score)
}

// RemoveRelation unlinks pk from a record of another kind in both directions.
func (m *Model) RemoveRelation(ctx context.Context, pk, toKind, toPK string) error {
	if err := m.store.RemoveRelation(ctx, m.schema.Kind, pk, toKind, toPK); err != nil {
		return err
	}
	return m.store.RemoveRelation(ctx, toKind, toPK, m.schema.Kind, pk)
}

// Relations lists the records of other related to pk, decoded with other's schema.
func (m *Model) Relations(ctx context.Context, pk string, other *Model, offset, limit int, desc bool) ([]*Instance, error) {
	entries, err := m.store.ListRelations(ctx, m.schema.Kind, pk, other.schema.Kind, offset, limit, desc)
	if err != nil {
		return nil, err
	}
	return other.decodeEntries(entries)
}

func (m *Model) withDefaults(values Values) Values {
	out := make(Values, len(m.fields))
	for k, v := range values {
		out[k] = v
	}
	for name, f := range m.fields {
		if _, ok := out[name]; ok {
			continue
		}
		if v, ok := f.defaultValue(); ok {
			out[name] = v
		}
	}
	return out
}

func (m *Model) encode(values Values) (store.Fields, error) {
	out := make(store.Fields, len(values))
	for name, value := range values {
		f, ok := m.fields[name]
		if !ok {
			return nil, errors.Wrapf(ErrValidation, "%s: unknown field %s", m.schema.Kind, name)
		}
		raw, err := f.toStorage(value)
		if err != nil {
			return nil, err
		}
		out[name] = raw
	}
	return out, nil
}

func (m *Model) decode(pk string, raw store.Fields) (*Instance, error) {
	values := make(Values, len(m.fields))
	for name, f := range m.fields {
		v, err := f.fromStorage(raw[name])
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s", m.schema.Kind, pk)
		}
		values[name] = v
	}
	return &Instance{PK: pk, Values: values}, nil
}

func (m *Model) decodeEntries(entries []store.Entry) ([]*Instance, error) {
	out := make([]*Instance, 0, len(entries))
	for _, e := range entries {
		if len(e.Fields) == 0 {
			continue
		}
		inst, err := m.decode(e.PK, e.Fields)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// index adds inst to every sortable index and, without an explicit ordering,
// to the default index keyed by creation time.
func (m *Model) index(ctx context.Context, inst *Instance) error {
	for _, name := range m.schema.Sortables {
		if err := m.store.AddToIndex(ctx, m.schema.Kind, inst.PK, name, m.fields[name].score(inst.Values[name])); err != nil {
			return err
		}
	}
	if m.schema.Ordering == "" {
		return m.store.AddToIndex(ctx, m.schema.Kind, inst.PK, store.DefaultIndex, keys.TimeScore(m.now()))
	}
	return nil
}

func (m *Model) unindex(ctx context.Context, pk string) error {
	for _, name := range m.schema.Sortables {
		if err := m.store.RemoveFromIndex(ctx, m.schema.Kind, pk, name); err != nil {
			return err
		}
	}
	if m.schema.Ordering == "" {
		return m.store.RemoveFromIndex(ctx, m.schema.Kind, pk, store.DefaultIndex)
	}
	return nil
}

func (m *Model) unconstrain(ctx context.Context, pk string, raw store.Fields) error {
	for _, tuple := range m.schema.Constraints {
		if kf, ok := constraintFields(tuple, raw); ok {
			if err := m.store.RemoveFromConstraint(ctx, m.schema.Kind, pk, kf); err != nil {
				return err
			}
		}
	}
	return nil
}

// discard removes a tentative record that lost a constraint claim.
func (m *Model) discard(ctx context.Context, pk string) error {
	if err := m.unindex(ctx, pk); err != nil {
		return err
	}
	return m.store.Delete(ctx, m.schema.Kind, pk)
}

func (m *Model) constraintFor(lookup Values) ([]string, error) {
	names := make([]string, 0, len(lookup))
	for name := range lookup {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, tuple := range m.schema.Constraints {
		if sameTuple(tuple, names) {
			return tuple, nil
		}
	}
	return nil, errors.Wrapf(ErrValidation, "%s: no constraint over (%s)", m.schema.Kind, strings.Join(names, ", "))
}

func (m *Model) resolveOrder(order string) (string, bool, error) {
	desc := strings.HasPrefix(order, "-")
	name := strings.TrimPrefix(order, "-")
	if name == "" {
		name = m.schema.Ordering
	}
	if name == "" || name == store.DefaultIndex {
		return store.DefaultIndex, desc, nil
	}
	if !contains(m.schema.Sortables, name) {
		return "", false, errors.Wrapf(ErrValidation, "%s: %s is not sortable", m.schema.Kind, name)
	}
	return name, desc, nil
}

func constraintFields(tuple []string, raw store.Fields) (map[string]string, bool) {
	out := make(map[string]string, len(tuple))
	for _, name := range tuple {
		v, ok := raw[name]
		if !ok {
			return nil, false
		}
		out[name] = v
	}
	return out, true
}

func touches(tuple []string, raw store.Fields) bool {
	for _, name := range tuple {
		if _, ok := raw[name]; ok {
			return true
		}
	}
	return false
}

func sameTuple(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
