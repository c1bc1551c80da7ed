package dispatch

import (
	"runtime"
	"testing"
	"weak"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRunsClosure(t *testing.T) {
	var ran bool
	task := NewTask(func() { ran = true })
	task.Run()
	assert.True(t, ran)
}

func TestTaskEmptyIsNoop(t *testing.T) {
	var task Task
	assert.True(t, task.IsEmpty())
	require.NotPanics(t, func() { task.Run() })
}

func TestTaskDoubleInvokePanics(t *testing.T) {
	task := NewTask(func() {})
	task.Run()
	assert.Panics(t, func() { task.Run() })
}

func TestTaskFromMember(t *testing.T) {
	type counter struct{ n int }
	c := &counter{}
	task := NewTaskFromMember(c, func(c *counter) { c.n++ })
	task.Run()
	assert.Equal(t, 1, c.n)
}

func TestTaskFromWeakResolves(t *testing.T) {
	type counter struct{ n int }
	c := &counter{}
	wp := weak.Make(c)
	task := NewTaskFromWeak(wp, func(c *counter) { c.n++ })
	task.Run()
	assert.Equal(t, 1, c.n)
}

func TestTaskFromWeakDanglingIsNoop(t *testing.T) {
	// A dangling weak reference must never be treated as a task failure,
	// regardless of whether the GC has actually reclaimed the referent
	// by the time the task runs.
	type counter struct{ n int }
	var wp weak.Pointer[counter]
	func() {
		c := &counter{}
		wp = weak.Make(c)
	}()
	runtime.GC()
	runtime.GC()
	task := NewTaskFromWeak(wp, func(c *counter) { c.n++ })
	require.NotPanics(t, func() { task.Run() })
}
