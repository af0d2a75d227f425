package presence

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Follow tails path starting at its current end and calls fn for every
// complete line appended afterwards. At end of file it waits poll before
// reading again. A file that shrinks is read again from the start.
// Follow returns when ctx is done.
func Follow(ctx context.Context, path string, clock clockwork.Clock, poll time.Duration, fn func(line string)) error {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek %s: %w", path, err)
	}
	r := bufio.NewReader(f)
	var partial strings.Builder
	for {
		chunk, err := r.ReadString('\n')
		offset += int64(len(chunk))
		partial.WriteString(chunk)
		if err == nil {
			fn(partial.String())
			partial.Reset()
			continue
		}
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("read %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(poll):
		}

		fi, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if fi.Size() < offset {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("seek %s: %w", path, err)
			}
			offset = 0
			partial.Reset()
			r.Reset(f)
		}
	}
}
