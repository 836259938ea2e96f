package message

import (
	"bytes"
	"html/template"
)

const layout = `<!DOCTYPE html><html lang="en"><head><meta charset="utf-8" /><meta name="viewport" content="width=device-width, initial-scale=1" /><meta name="robots" content="noindex" /><title>{{.Title}}</title><style type="text/css">body {font-family: sans-serif;font-size: 15px;line-height: 1.5;background-color: #f7f7f7;color: #333;margin: 0;}main {display: flex;flex-direction: column;align-items: center;justify-content: center;min-height: 100vh;gap: 1.5rem;}h1 {font-size: 1.4rem;margin: 0;}pre {padding: 1rem;background-color: #fff;border: 1px solid #ddd;border-radius: 4px;font-size: 0.8rem;max-width: 60vw;max-height: 24rem;overflow: auto;}form {display: flex;gap: 0.5rem;}</style></head><body><main>{{block "body" .}}{{end}}</main></body></html>`

const errorBody = `{{define "body"}}<h1>{{.Heading}}</h1><p>{{.Message}}</p>{{if .Details}}<pre>{{.Details}}</pre>{{end}}{{end}}`

const indexBody = `{{define "body"}}<h1>{{.Heading}}</h1><p id="status">connecting</p>{{if .AuthRequired}}<form id="login"><input type="password" id="password" placeholder="password" /><button>Log in</button></form>{{end}}<pre id="state"></pre><script>
(function () {
  var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + {{.SocketPath}} + location.search);
  var status = document.getElementById("status");
  var state = document.getElementById("state");
  var form = document.getElementById("login");
  function send(msg) { ws.send(JSON.stringify(msg)); }
  if (form) {
    form.addEventListener("submit", function (e) {
      e.preventDefault();
      send({type: "auth", password: document.getElementById("password").value});
    });
  }
  ws.onmessage = function (ev) {
    var msg = JSON.parse(ev.data);
    if (msg.type === "hello") {
      status.textContent = msg.auth_required ? "password required" : "connected to " + msg.model;
      if (!msg.auth_required) { send({type: "command", kind: "subscribe"}); }
    } else if (msg.type === "auth") {
      status.textContent = msg.ok ? "connected" : "wrong password";
      if (msg.ok) { form.remove(); send({type: "command", kind: "subscribe"}); }
    } else if (msg.type === "state") {
      state.textContent = JSON.stringify(msg.data, null, 2);
    } else if (msg.type === "error" || msg.type === "bye") {
      status.textContent = msg.type + ": " + msg.message;
    }
  };
  ws.onclose = function () { status.textContent = "disconnected"; };
})();
</script>{{end}}`

// ErrorData fills the error page.
type ErrorData struct {
	Title   string
	Heading string
	Message string
	Details string
}

// IndexData fills the landing page served to browsers.
type IndexData struct {
	Title        string
	Heading      string
	SocketPath   string
	AuthRequired bool
}

var (
	ErrorTemplate = template.Must(template.Must(template.New("layout").Parse(layout)).Parse(errorBody))
	IndexTemplate = template.Must(template.Must(template.New("layout").Parse(layout)).Parse(indexBody))
)

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func RenderErrorPage(title, message, details string) (string, error) {
	return render(ErrorTemplate, ErrorData{
		Title:   title,
		Heading: title,
		Message: message,
		Details: details,
	})
}

func RenderIndex(data IndexData) (string, error) {
	return render(IndexTemplate, data)
}
