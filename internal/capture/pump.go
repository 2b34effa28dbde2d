package capture

import (
	"io"

	"github.com/charmbracelet/log"
)

const pumpReadSize = 4096

// pumpBlocks copies encoder output into blocks until the reader fails or done
// closes. blocks is closed on return, so consumers see a clean end of stream
// either way. The send is guarded by done: once the consumer is gone nothing
// drains blocks, and a plain send would park this goroutine forever.
func pumpBlocks(r io.Reader, blocks chan<- []byte, done <-chan struct{}, logger *log.Logger) {
	defer close(blocks)
	buf := make([]byte, pumpReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case blocks <- b:
			case <-done:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Warn("encoder stream ended", "error", err)
			}
			return
		}
	}
}
