package report

import "fmt"

type panicError struct {
	value interface{}
}

func (e panicError) Error() string {
	return fmt.Sprintf("internal error: %v", e.value)
}
