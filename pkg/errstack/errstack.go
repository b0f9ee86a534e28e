// Package errstack renders an error origin in the goroutine dump format that
// Cloud Error Reporting parses.
package errstack

import (
	"fmt"
	"strings"

	"github.com/diyartec/oauthrelay/pkg/errsource"
)

// Format returns nil if err carries no frame.
func Format(err error) []byte {
	f := errsource.Source(err)
	if f == nil {
		return nil
	}
	return []byte(fmt.Sprintf("goroutine 1 [running]:\n%s()\n\t%s:%d +0", f.Function, strings.TrimPrefix(f.File, "/app/"), f.Line))
}
