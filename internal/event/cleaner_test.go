package event

import (
	"context"
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

func TestCleanRunsOnceInOrder(t *testing.T) {
	c := NewCleaner()
	var order []string
	boom := errors.New("boom")

	c.Add(CallableFunc(func(context.Context) error { order = append(order, "session"); return nil }))
	c.Add(CallableFunc(func(context.Context) error { order = append(order, "store"); return boom }))

	errs := c.Clean()
	assert.DeepEqual(t, order, []string{"session", "store"})
	assert.Equal(t, len(errs), 1)
	assert.Assert(t, errors.Is(errs[0], boom))

	c.Add(CallableFunc(func(context.Context) error { order = append(order, "late"); return nil }))
	c.Clean()
	assert.DeepEqual(t, order, []string{"session", "store"})
}
