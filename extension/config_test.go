package extension

import (
	"testing"
	"time"
)

func TestMergeConfigurations(t *testing.T) {
	tests := []struct {
		name         string
		yaml         Config
		programmatic Config
		want         Config
	}{
		{
			name: "defaults",
			want: DefaultConfig(),
		},
		{
			name:         "yaml wins",
			yaml:         Config{BasePath: "/billing", Currency: "eur", OperatorShareBasisPoints: 7000},
			programmatic: Config{BasePath: "/api", Currency: "gbp"},
			want:         Config{BasePath: "/billing", Currency: "eur", OperatorShareBasisPoints: 7000, RateCacheTTL: 30 * time.Second},
		},
		{
			name:         "programmatic fills gaps",
			yaml:         Config{Currency: "eur"},
			programmatic: Config{BillingTick: time.Minute, RateCacheTTL: time.Second},
			want:         Config{BasePath: "/tollgate", Currency: "eur", OperatorShareBasisPoints: 8000, RateCacheTTL: time.Second, BillingTick: time.Minute},
		},
		{
			name:         "programmatic flags override",
			yaml:         Config{},
			programmatic: Config{DisableRoutes: true, DisableMigrate: true},
			want:         Config{DisableRoutes: true, DisableMigrate: true, BasePath: "/tollgate", Currency: "usd", OperatorShareBasisPoints: 8000, RateCacheTTL: 30 * time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeConfigurations(tt.yaml, tt.programmatic)
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBuildEngineOptsAppendsPassThrough(t *testing.T) {
	e := New(WithBillingTick(time.Minute), WithDisableMigrate())
	e.config = mergeWithDefaults(e.config)

	// currency, split, cache ttl, tick, skip migrate
	if got := len(e.buildEngineOpts()); got != 5 {
		t.Errorf("len(opts) = %d, want 5", got)
	}
}
