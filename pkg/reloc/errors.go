package reloc

import "fmt"

type UndefinedReferenceError struct {
	Location string
	Name     string
}

func (e *UndefinedReferenceError) Error() string {
	return fmt.Sprintf("%s: undefined reference to '%s'", e.Location, e.Name)
}
