package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Serve is the worker side of the pool. It runs fn for every task read
// from r and writes the replies to w, until r is closed.
func Serve[T, R any](ctx context.Context, r io.Reader, w io.Writer, fn func(context.Context, T) (R, error)) error {
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	for {
		var task T
		if err := dec.Decode(&task); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decoding task: %w", err)
		}

		var rep reply
		res, err := fn(ctx, task)
		if err == nil {
			rep.Result, err = json.Marshal(res)
		}
		if err != nil {
			rep = reply{Error: err.Error()}
		} else {
			rep.Success = true
		}
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("writing reply: %w", err)
		}
	}
}
