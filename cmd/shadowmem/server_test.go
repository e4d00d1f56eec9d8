package main

import (
	"testing"

	"github.com/avansa/shadowmem/internal/injector"
)

func TestParseBudgets(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []injector.ModelBudget
	}{
		{"empty", "", nil},
		{
			"single", "claude=16000",
			[]injector.ModelBudget{{ModelSubstring: "claude", Budget: 16000}},
		},
		{
			"multiple with spaces", " claude = 16000 , gpt-4 = 12000 ",
			[]injector.ModelBudget{
				{ModelSubstring: "claude", Budget: 16000},
				{ModelSubstring: "gpt-4", Budget: 12000},
			},
		},
		{
			"malformed entries skipped", "claude=16000,broken,gpt=zero,=5,local=-1",
			[]injector.ModelBudget{{ModelSubstring: "claude", Budget: 16000}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseBudgets(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("parseBudgets(%q) = %v, want %v", tc.in, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("rule %d = %+v, want %+v", i, got[i], tc.want[i])
				}
			}
		})
	}
}
