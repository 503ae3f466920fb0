// Package server puts the picture rewriter in front of HTTP traffic: as
// middleware around a handler, as a reverse proxy in front of an origin, and
// as a local preview server for a directory of rendered pages with live
// reload.
package server

import (
	"bytes"
	"fmt"
)

// Internal endpoints served next to the site.
const (
	ReloadPath = "/__webpcdn/ws"
	StatusPath = "/__webpcdn/status"
)

// liveReloadScript reconnects to the preview server's WebSocket and reloads
// the page on a "reload" message. %d is the server port, %s the endpoint.
const liveReloadScript = `<script>
(function() {
  var url = "ws://" + location.hostname + ":%d%s";
  function connect() {
    var ws = new WebSocket(url);
    ws.onmessage = function(e) {
      if (e.data === "reload") {
        location.reload();
      }
    };
    ws.onclose = function() {
      setTimeout(connect, 1000);
    };
  }
  connect();
})();
</script>`

// InjectLiveReload inserts the live reload script right before the last
// </body>, or appends it when the document has none.
func InjectLiveReload(html []byte, port int) []byte {
	script := fmt.Appendf(nil, liveReloadScript, port, ReloadPath)

	idx := bytes.LastIndex(html, []byte("</body>"))
	if idx == -1 {
		return append(html, script...)
	}

	result := make([]byte, 0, len(html)+len(script))
	result = append(result, html[:idx]...)
	result = append(result, script...)
	result = append(result, html[idx:]...)
	return result
}
