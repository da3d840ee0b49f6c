package main

import (
	"strings"

	"github.com/coreway/coap"
	"github.com/coreway/coap/resource"
)

// contentTypeByName resolves the handful of media types a config file is
// likely to name; unrecognised names fall back to text/plain.
func contentTypeByName(name string) coap.MediaType {
	switch strings.ToLower(name) {
	case "json", "application/json":
		return coap.AppJSON
	case "cbor", "application/cbor":
		return coap.AppCBOR
	case "octet-stream", "application/octet-stream":
		return coap.AppOctetStream
	case "link-format", "application/link-format":
		return coap.AppLinkFormat
	default:
		return coap.TextPlain
	}
}

// newStaticResource builds a resource whose GET always returns its current
// payload and whose PUT replaces it (when cfg.Writable) and fires a
// notification for any Observe subscribers (§3, §4.4).
func newStaticResource(cfg ResourceConfig) *resource.Resource {
	r := resource.New(cfg.Path)
	r.Visible = cfg.Visible
	r.Observable = cfg.Observable
	r.ResourceType = cfg.ResourceType
	r.ContentType = contentTypeByName(cfg.ContentType)
	r.Payload = []byte(cfg.Payload)

	h := &resource.Handler{
		Get: func(req, resp *coap.Message) (resource.Outcome, error) {
			snap := r.Snapshot()
			resp.SetContentFormat(snap.ContentType)
			resp.Payload = snap.Payload
			return resource.Immediate(r, resp), nil
		},
	}
	if cfg.Writable {
		h.Put = func(req, resp *coap.Message) (resource.Outcome, error) {
			updated := r.Snapshot()
			updated.Payload = append([]byte(nil), req.Payload...)
			if ct := req.ContentFormatValue(); ct != coap.NoMediaType {
				updated.ContentType = ct
			}
			r.ApplyUpdate(&updated)
			return resource.Immediate(r, resp), nil
		}
	}
	r.Handler = h
	return r
}
