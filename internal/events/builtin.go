package events

import (
	"bytes"
	"fmt"
	"html/template"
	"strconv"

	"github.com/cockroachdb/errors"
)

var (
	messageTemplate = template.Must(template.New("message").Parse(
		`<pre class="message">{{.}}</pre>`))

	queryTemplate = template.Must(template.New("query").Parse(
		`<pre class="sql">{{.Query}}</pre>{{if .Engine}}<p class="engine">{{.Engine}}</p>{{end}}`))

	exceptionTemplate = template.Must(template.New("exception").Parse(
		`<h3>{{.Type}}{{if .Value}}: {{.Value}}{{end}}</h3>
<ol class="traceback">
{{- range .Frames}}
<li><code>{{.Filename}}</code>{{if .Line}} line {{.Line}}{{end}}{{if .Function}} in <code>{{.Function}}</code>{{end}}
{{- if .Context}}<pre>{{.Context}}</pre>{{end}}</li>
{{- end}}
</ol>`))
)

// Message is a plain log message. Payload: message, params.
type Message struct{}

func (Message) Capture(params map[string]any) (Payload, error) {
	msg, ok := params["message"]
	if !ok {
		return nil, errors.Wrap(ErrInvalidPayload, "message is required")
	}
	p := Payload{"message": msg}
	if v, ok := params["params"]; ok {
		p["params"] = v
	}
	return p, nil
}

func (Message) HashFields(p Payload) []string {
	return []string{p.Text("message")}
}

func (Message) String(p Payload) string {
	return p.Text("message")
}

func (Message) HTML(p Payload) string {
	return render(messageTemplate, p.Text("message"))
}

// Exception is a raised error with its stack. Payload: exc_type, exc_value,
// exc_frames. Frames never contribute to the hash.
type Exception struct{}

func (Exception) Capture(params map[string]any) (Payload, error) {
	p := Payload{}
	for _, key := range []string{"exc_type", "exc_value", "exc_frames"} {
		if v, ok := params[key]; ok {
			p[key] = v
		}
	}
	if p.Text("exc_type") == "" {
		return nil, errors.Wrap(ErrInvalidPayload, "exc_type is required")
	}
	return p, nil
}

func (Exception) HashFields(p Payload) []string {
	return []string{p.Text("exc_value"), p.Text("exc_type")}
}

func (Exception) String(p Payload) string {
	if v := p.Text("exc_value"); v != "" {
		return p.Text("exc_type") + ": " + v
	}
	return p.Text("exc_type")
}

type frame struct {
	Filename string
	Line     string
	Function string
	Context  string
}

func (Exception) HTML(p Payload) string {
	view := struct {
		Type   string
		Value  string
		Frames []frame
	}{Type: p.Text("exc_type"), Value: p.Text("exc_value")}

	if raw, ok := p["exc_frames"].([]any); ok {
		for _, item := range raw {
			f, ok := item.(map[string]any)
			if !ok {
				continue
			}
			fp := Payload(f)
			view.Frames = append(view.Frames, frame{
				Filename: fp.Text("filename"),
				Line:     lineNumber(f["lineno"]),
				Function: fp.Text("function"),
				Context:  fp.Text("context_line"),
			})
		}
	}
	return render(exceptionTemplate, view)
}

// Query is a database statement. Payload: sql_value, sql_engine.
type Query struct{}

func (Query) Capture(params map[string]any) (Payload, error) {
	p := Payload{}
	if v, ok := params["query"]; ok {
		p["sql_value"] = v
	}
	if v, ok := params["sql_value"]; ok {
		p["sql_value"] = v
	}
	if v, ok := params["engine"]; ok {
		p["sql_engine"] = v
	}
	if v, ok := params["sql_engine"]; ok {
		p["sql_engine"] = v
	}
	if p.Text("sql_value") == "" {
		return nil, errors.Wrap(ErrInvalidPayload, "query is required")
	}
	return p, nil
}

func (Query) HashFields(p Payload) []string {
	return []string{p.Text("sql_value"), p.Text("sql_engine")}
}

const maxQuerySummary = 128

func (Query) String(p Payload) string {
	q := []rune(p.Text("sql_value"))
	if len(q) > maxQuerySummary {
		return string(q[:maxQuerySummary]) + "..."
	}
	return string(q)
}

func (Query) HTML(p Payload) string {
	return render(queryTemplate, struct{ Query, Engine string }{p.Text("sql_value"), p.Text("sql_engine")})
}

func render(t *template.Template, data any) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return ""
	}
	return buf.String()
}

// lineNumber accepts the numeric forms JSON decoding produces.
func lineNumber(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatInt(int64(n), 10)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case string:
		return n
	case nil:
		return ""
	default:
		return fmt.Sprint(n)
	}
}
