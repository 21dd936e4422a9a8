package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// hostname extracts the host the client addressed, without a port:
// it is reused as the TLS server name in the generated client configs,
// because the hosting platform terminates TLS on the same name.
func hostname(r *http.Request) string {
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		return h
	}
	return r.Host
}

// vlessURL renders the shareable client URL for this server.
func (s *httpServer) vlessURL(host string) string {
	credit := s.cfg.Credit
	if credit == "" {
		credit = host
	}

	return fmt.Sprintf(
		"vless://%s@%s:443?encryption=none&security=tls&sni=%s&fp=chrome&type=ws&host=%s&path=%%2F%%3Fed%%3D2048#%s",
		s.cfg.UserID, host, host, host, url.PathEscape(credit))
}

// clashConfig renders a Clash proxy stanza for this server.
func (s *httpServer) clashConfig(host string) string {
	name := s.cfg.Credit
	if name == "" {
		name = host
	}

	return fmt.Sprintf(`- name: %q
  type: vless
  server: %s
  port: 443
  uuid: %s
  network: ws
  tls: true
  udp: false
  sni: %s
  client-fingerprint: chrome
  ws-opts:
    path: "/?ed=2048"
    headers:
      host: %s
`, name, host, s.cfg.UserID, host, host)
}

// singBoxConfig renders a Sing-Box outbound object for this server.
func (s *httpServer) singBoxConfig(host string) string {
	name := s.cfg.Credit
	if name == "" {
		name = host
	}

	out := map[string]any{
		"type":        "vless",
		"tag":         name,
		"server":      host,
		"server_port": 443,
		"uuid":        s.cfg.UserID.String(),
		"tls": map[string]any{
			"enabled":     true,
			"server_name": host,
			"utls":        map[string]any{"enabled": true, "fingerprint": "chrome"},
		},
		"transport": map[string]any{
			"type":                   "ws",
			"path":                   "/",
			"max_early_data":         2048,
			"early_data_header_name": "Sec-WebSocket-Protocol",
			"headers":                map[string]any{"Host": host},
		},
	}

	b, _ := json.MarshalIndent(out, "", "  ")
	return string(b)
}

func (s *httpServer) landingPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>velum</title></head>
<body>
<h1>It works!</h1>
<p>This is a VLESS-over-WebSocket relay. Visit <a href="/config">/config</a> for client configuration.</p>
</body>
</html>
`)
}

func (s *httpServer) configPage(w http.ResponseWriter, r *http.Request) {
	host := hostname(r)

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><title>velum</title></head>\n<body>\n")
	b.WriteString("<h2>VLESS URL</h2>\n<pre>")
	b.WriteString(html.EscapeString(s.vlessURL(host)))
	b.WriteString("</pre>\n<h2>Clash</h2>\n<pre>")
	b.WriteString(html.EscapeString(s.clashConfig(host)))
	b.WriteString("</pre>\n<h2>Sing-Box</h2>\n<pre>")
	b.WriteString(html.EscapeString(s.singBoxConfig(host)))
	b.WriteString("</pre>\n</body>\n</html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, b.String())
}

func (s *httpServer) statusPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"uuid":      s.cfg.UserID.String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode status response")
	}
}
