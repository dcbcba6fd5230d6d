package prompt

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

var pageTemplate = template.Must(template.New("prompt").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>vaultagent</title></head>
<body>
<form method="post">
<p>{{.Message}}</p>
{{if eq .Kind "confirm"}}
<button type="submit" name="answer" value="true" autofocus>Approve</button>
<button type="submit" name="answer" value="false">Deny</button>
{{else}}
<input name="answer" type="{{if eq .Kind "password"}}password{{else}}text{{end}}" autofocus>
<button type="submit">OK</button>
<button type="submit" name="dismiss" value="1">Cancel</button>
{{end}}
</form>
</body>
</html>
`))

const donePage = `<!DOCTYPE html><html><body><p>Answer recorded. You can close this window.</p></body></html>`

type answer struct {
	value string
	err   error
}

// Web serves each question as a one-shot page on a loopback port and opens
// it in the user's browser. The page path carries a random nonce so other
// local processes cannot answer on the user's behalf.
type Web struct {
	// BrowserCommand overrides the platform opener, e.g. "firefox --new-window".
	BrowserCommand string
	Logger         *slog.Logger

	open func(url string) error
}

func NewWeb(browserCommand string, logger *slog.Logger) *Web {
	if logger == nil {
		logger = slog.Default()
	}
	return &Web{BrowserCommand: browserCommand, Logger: logger}
}

func (w *Web) Ask(ctx context.Context, message string, kind Kind, timeout time.Duration) (string, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("prompt listener: %w", err)
	}

	nonce, err := randomNonce()
	if err != nil {
		ln.Close()
		return "", err
	}
	path := "/" + nonce

	answers := make(chan answer, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+path, func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/html; charset=utf-8")
		rw.Header().Set("Cache-Control", "no-store")
		if err := renderPage(rw, message, kind); err != nil {
			w.logger().Warn("rendering prompt page", "error", err)
		}
	})
	mux.HandleFunc("POST "+path, func(rw http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(rw, r.Body, 64<<10)
		if err := r.ParseForm(); err != nil {
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
		a := answer{value: r.PostForm.Get("answer")}
		if r.PostForm.Get("dismiss") != "" {
			a = answer{err: ErrNoAnswer}
		} else if kind == KindConfirm && a.value != Yes {
			a.value = No
		}
		select {
		case answers <- a:
			rw.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(rw, donePage)
		default:
			http.Error(rw, "already answered", http.StatusGone)
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(ln)
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()

	url := "http://" + ln.Addr().String() + path
	if err := w.openURL(url); err != nil {
		w.logger().Warn("could not open browser, visit the prompt manually", "url", url, "error", err)
	} else {
		w.logger().Debug("prompt opened", "kind", kind)
	}

	select {
	case a := <-answers:
		return a.value, a.err
	case <-ctx.Done():
		return "", waitErr(ctx)
	}
}

func renderPage(out io.Writer, message string, kind Kind) error {
	return pageTemplate.Execute(out, struct {
		Message string
		Kind    Kind
	}{message, kind})
}

func (w *Web) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

func (w *Web) openURL(url string) error {
	if w.open != nil {
		return w.open(url)
	}

	var argv []string
	switch {
	case w.BrowserCommand != "":
		argv = strings.Fields(w.BrowserCommand)
	case runtime.GOOS == "darwin":
		argv = []string{"open"}
	case runtime.GOOS == "windows":
		argv = []string{"rundll32", "url.dll,FileProtocolHandler"}
	default:
		argv = []string{"xdg-open"}
	}
	if len(argv) == 0 {
		return errors.New("empty browser command")
	}

	cmd := exec.Command(argv[0], append(argv[1:], url)...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("prompt nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
