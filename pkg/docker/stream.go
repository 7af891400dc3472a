package docker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// streamMessage is the subset of the daemon's JSON progress stream the
// pipeline cares about. Build and push use the same envelope.
type streamMessage struct {
	Stream      string `json:"stream,omitempty"`
	Status      string `json:"status,omitempty"`
	ErrorMsg    string `json:"error,omitempty"`
	ErrorDetail *struct {
		Message string `json:"message"`
	} `json:"errorDetail,omitempty"`
}

// DrainStream consumes a build or push progress stream to completion,
// copying human-readable progress to out. The daemon reports embedded
// failures in-band, so the stream must be read fully even when the API
// call itself returned no error.
func DrainStream(r io.Reader, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}

	dec := json.NewDecoder(r)
	for {
		var msg streamMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode engine stream: %w", err)
		}

		if msg.Stream != "" {
			fmt.Fprint(out, msg.Stream)
		} else if msg.Status != "" {
			fmt.Fprintln(out, msg.Status)
		}

		if msg.ErrorDetail != nil && msg.ErrorDetail.Message != "" {
			return errors.New(msg.ErrorDetail.Message)
		}
		if msg.ErrorMsg != "" {
			return errors.New(msg.ErrorMsg)
		}
	}
}
