package swcache

import (
	"encoding/json"
	"strings"
)

// pageScript is served at the worker script path. Pages include it to join
// the event stream; it reloads once per controller change and on every
// explicit reload message.
const pageScript = `(function () {
  if (!("EventSource" in window)) {
    console.warn("swcache: event stream unsupported, running uncontrolled");
    return;
  }
  var prefix = __PREFIX__;
  var refreshing = false;
  var es = new EventSource(prefix + "/events");
  es.addEventListener("reload", function (ev) {
    var reason = "";
    try { reason = JSON.parse(ev.data).reason; } catch (e) {}
    if (reason === "controllerchange") {
      if (refreshing) return;
      refreshing = true;
    }
    es.close();
    window.location.reload();
  });
  es.onerror = function () {
    console.warn("swcache: event stream error");
  };
  window.swcache = {
    send: function (msg) {
      var body = typeof msg === "string" ? JSON.stringify(msg) : JSON.stringify(msg || {});
      return fetch(prefix + "/message", { method: "POST", body: body }).catch(function () {});
    },
    skipWaiting: function () { return this.send({ type: "SKIP_WAITING" }); }
  };
})();
`

func registrationScript(controlPrefix string) string {
	b, _ := json.Marshal(controlPrefix)
	return strings.Replace(pageScript, "__PREFIX__", string(b), 1)
}
