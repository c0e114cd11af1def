package main

import (
	"os"
	"testing"

	"github.com/gregd453/agentic-sdlc-sub009/pkg/config"
)

func TestApplyEnvOverrides(t *testing.T) {
	cases := []struct {
		name          string
		redisURL      string
		namespace     string
		wantAddr      string
		wantNamespace string
	}{
		{
			name:          "no overrides leaves config defaults",
			wantAddr:      "127.0.0.1:6379",
			wantNamespace: "core",
		},
		{
			name:          "REDIS_URL overrides redis addr",
			redisURL:      "redis-prod:6379",
			wantAddr:      "redis-prod:6379",
			wantNamespace: "core",
		},
		{
			name:          "NAMESPACE overrides kv namespace",
			namespace:     "staging",
			wantAddr:      "127.0.0.1:6379",
			wantNamespace: "staging",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.redisURL != "" {
				t.Setenv("REDIS_URL", tc.redisURL)
			} else {
				os.Unsetenv("REDIS_URL")
			}
			if tc.namespace != "" {
				t.Setenv("NAMESPACE", tc.namespace)
			} else {
				os.Unsetenv("NAMESPACE")
			}

			cfg := config.New()
			applyEnvOverrides(cfg)

			if cfg.Redis.Addr != tc.wantAddr {
				t.Fatalf("Redis.Addr = %q, want %q", cfg.Redis.Addr, tc.wantAddr)
			}
			if cfg.Namespace.Name != tc.wantNamespace {
				t.Fatalf("Namespace.Name = %q, want %q", cfg.Namespace.Name, tc.wantNamespace)
			}
		})
	}
}
