package errors

import (
	"fmt"
)

// CleanUp is defer-able syntactic sugar that calls f and reports an error, if any,
// to *err. Pass the caller's named return error. Example usage:
//
//   func processFile(filename string) (_ int, err error) {
//     f, err := os.Open(filename)
//     if err != nil { ... }
//     defer errors.CleanUp(f.Close, &err)
//     ...
//   }
//
// If the caller returns with its own error, any error from cleanUp will be chained.
func CleanUp(cleanUp func() error, dst *error) {
	err2 := cleanUp()
	if err2 == nil {
		return
	}
	if *dst == nil {
		*dst = err2
		return
	}
	// err2 is not chained as *dst's cause: *dst may already have a
	// meaningful cause, and err2 may be something entirely different.
	*dst = E(*dst, fmt.Sprintf("second error in Close: %v", err2))
}
