package delegate

import "fmt"

// CapacityError reports a per-user resource cap. Its message is returned
// verbatim to the agent as a tool result.
type CapacityError struct {
	Resource string
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s limit reached (max %d)", e.Resource, e.Limit)
}
