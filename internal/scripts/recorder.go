// internal/scripts/recorder.go
package scripts

import (
	"fmt"
	"strconv"
)

// recorderTemplate wraps XMLHttpRequest.send and window.fetch. Any request body is
// handed to the host bridge's recordPayload, and the returned id is attached under
// the correlation header so the interceptor can recover the body natively.
// Pages without the bridge object are left untouched.
const recorderTemplate = `(function () {
    var bridge = window[%[1]s];
    var header = %[2]s;
    if (!bridge || typeof bridge.recordPayload !== 'function') {
        return;
    }

    var origSend = XMLHttpRequest.prototype.send;
    XMLHttpRequest.prototype.send = function (body) {
        if (body) {
            try {
                this.setRequestHeader(header, bridge.recordPayload(String(body)));
            } catch (err) {}
        }
        return origSend.call(this, body);
    };

    if (!window.fetch) {
        return;
    }
    var origFetch = window.fetch;
    window.fetch = function (input, init) {
        try {
            if (init && init.body) {
                var headers = new Headers(init.headers || {});
                headers.set(header, bridge.recordPayload(String(init.body)));
                init = Object.assign({}, init, { headers: headers });
                return origFetch.call(this, input, init);
            }
            if (input instanceof Request && input.body) {
                var self = this;
                return input.clone().text().then(function (text) {
                    var req = new Request(input, { headers: new Headers(input.headers) });
                    req.headers.set(header, bridge.recordPayload(text));
                    return origFetch.call(self, req);
                });
            }
        } catch (err) {}
        return origFetch.apply(this, arguments);
    };
})();`

// RecorderScript returns the page script that records outgoing request bodies
// through the host object named bridge and tags requests with header.
func RecorderScript(bridge, header string) UserScript {
	src := fmt.Sprintf(recorderTemplate, strconv.Quote(bridge), strconv.Quote(header))
	return New(src, DocumentStart, false)
}
