package util

import "github.com/golang/glog"

// ErrorCollector accumulates errors from independent cleanup steps. All steps
// run; the first error wins and later ones are logged only. (Keeping the
// first error is a deliberate choice; it is the failure closest to the root
// cause.)
type ErrorCollector struct {
	first error
}

func (c *ErrorCollector) Add(step string, err error) {
	if err == nil {
		return
	}
	glog.Errorf("error during %s: %v", step, err)
	if c.first == nil {
		c.first = err
	}
}

func (c *ErrorCollector) Err() error {
	return c.first
}
