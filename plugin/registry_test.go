package plugin_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/types"
)

type counting struct {
	name    string
	entries atomic.Int32
	fail    error
	delay   time.Duration
}

func (c *counting) Name() string { return c.name }

func (c *counting) OnEntryRecorded(context.Context, *journal.Entry) error {
	time.Sleep(c.delay)
	c.entries.Add(1)
	return c.fail
}

type nameOnly struct{}

func (nameOnly) Name() string { return "name-only" }

func quietRegistry() *plugin.Registry {
	return plugin.NewRegistry().WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := quietRegistry()
	if err := r.Register(&counting{name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&counting{name: "a"}); err == nil {
		t.Error("duplicate name accepted")
	}
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name    string
		plugins []*counting
		want    []int32
	}{
		{"single", []*counting{{name: "a"}}, []int32{1}},
		{"failure does not stop others", []*counting{{name: "a", fail: errors.New("boom")}, {name: "b"}}, []int32{1, 1}},
		{"slow hook times out", []*counting{{name: "slow", delay: 200 * time.Millisecond}, {name: "b"}}, []int32{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := quietRegistry().WithTimeout(50 * time.Millisecond)
			if err := r.Register(nameOnly{}); err != nil {
				t.Fatal(err)
			}
			for _, p := range tt.plugins {
				if err := r.Register(p); err != nil {
					t.Fatal(err)
				}
			}

			r.EmitEntryRecorded(context.Background(), &journal.Entry{Total: types.USD(99)})
			r.EmitInsufficientFunds(context.Background(), "cust_1", "op_1", types.USD(0), types.USD(99))

			for i, p := range tt.plugins {
				if got := p.entries.Load(); got != tt.want[i] {
					t.Errorf("%s saw %d entries, want %d", p.name, got, tt.want[i])
				}
			}
		})
	}
}
