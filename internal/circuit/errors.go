package circuit

import (
	"fmt"
	"time"
)

// OpenError is the typed condition a blocked caller receives. Workers treat
// it as "skip this stage/task", never as a crash.
type OpenError struct {
	Identifier     string
	TimeUntilRetry time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s is open, retry in %s", e.Identifier, e.TimeUntilRetry.Round(time.Second))
}
