// Package relay pumps a translated upstream stream to the client as
// server-sent events.
//
// Once the relay commits the SSE headers the HTTP status can no longer
// change, so upstream failures mid-stream surface as an in-band error frame.
// Whatever happens, the client sees exactly one terminal [DONE] frame: an
// upstream [DONE] is passed through once, duplicates are swallowed, and a
// missing one is appended.
package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/optyxlabs/optyx-gateway/internal/providers"
	"github.com/optyxlabs/optyx-gateway/pkg/apierr"
)

const readBufferSize = 4 << 10

// doneFrame is the literal terminal frame payload translators may emit.
var doneFrame = []byte("[DONE]")

// Result is what the relay observed by the time the stream terminated.
type Result struct {
	// Usage holds the last token counts reported in-band, if any.
	Usage providers.Usage
	// Err is non-nil when the upstream connection failed mid-stream. The
	// client already received an in-band error frame and [DONE].
	Err error
}

// Stream writes sr to the client as SSE. clientModel replaces the model field
// of every JSON data frame on the way out. done is invoked exactly once after
// the terminal [DONE] has been written, from the stream-writer goroutine.
//
// The fasthttp body-stream writer runs after the handler returns, so done is
// the only completion signal; accounting and audit close hang off it.
func Stream(ctx *fasthttp.RequestCtx, sr *providers.StreamResult, clientModel string, log *slog.Logger, done func(Result)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var res Result
		doneSent := false

		// Accounting must fire even when a write panics below; the recover
		// defer stops the panic before this one runs.
		signalled := false
		signal := func() {
			if signalled {
				return
			}
			signalled = true
			if done != nil {
				done(res)
			}
		}
		defer signal()
		defer func() { _ = recover() }()
		defer sr.Body.Close()

		writeDone := func() {
			if doneSent {
				return
			}
			doneSent = true
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush() //nolint:errcheck
		}

		buf := make([]byte, readBufferSize)
		for {
			n, err := sr.Body.Read(buf)
			if n > 0 {
				frames, usage := sr.Translate(buf[:n])
				res.Usage.Merge(usage)
				for _, frame := range frames {
					if bytes.Equal(frame, doneFrame) {
						writeDone()
						continue
					}
					if doneSent {
						// Nothing may follow the terminal frame.
						continue
					}
					fmt.Fprintf(w, "data: %s\n\n", rewriteModel(frame, clientModel))
					if ferr := w.Flush(); ferr != nil {
						// Client is gone; stop reading upstream.
						res.Err = ferr
						if log != nil {
							log.Warn("client disconnected mid-stream", slog.String("error", ferr.Error()))
						}
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					res.Err = err
					if !doneSent {
						frame := apierr.Body(
							"upstream connection lost mid-stream",
							apierr.TypeProviderError, apierr.CodeProviderError)
						fmt.Fprintf(w, "data: %s\n\n", frame)
					}
					if log != nil {
						log.Error("stream relay aborted", slog.String("error", err.Error()))
					}
				}
				break
			}
		}

		writeDone()
		signal()
	})
}

// rewriteModel sets the model field of a JSON frame to id. Frames without a
// model field (error frames included) pass through untouched.
func rewriteModel(frame []byte, id string) []byte {
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		return frame
	}
	if _, ok := m["model"]; !ok {
		return frame
	}
	m["model"] = id
	out, err := json.Marshal(m)
	if err != nil {
		return frame
	}
	return out
}
