package tokenutil

import "testing"

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{
			name:    "empty string",
			content: "",
			want:    0,
		},
		{
			name:    "single word",
			content: "hello",
			want:    1, // max(1*1.33=1, 5/4=1) = 1
		},
		{
			name:    "question",
			content: "Which counties have the highest uninsured rate and lowest median income",
			want:    17, // 11 words * 1.33 = 14, len=71, 71/4=17
		},
		{
			name:    "sql",
			content: "SELECT county, uninsured_rate FROM county_health WHERE state = 'CA'",
			want:    16, // 9 words * 1.33 = 11, len=67, 67/4=16
		},
		{
			name:    "json arguments",
			content: `{"table_names":"county_health,acs_income"}`,
			want:    10, // one "word"; len=42, 42/4=10
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.content)
			if got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d; want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestNewest(t *testing.T) {
	lines := []string{
		"sql_db_list_tables {} -> county_health, acs_income", // oldest
		"sql_db_schema {\"table_names\":\"county_health\"} -> fips text",
		"sql_db_query {\"query\":\"SELECT fips FROM county_health\"} -> 3 rows",
	}
	all := 0
	for _, l := range lines {
		all += EstimateTokens(l)
	}
	if got := Newest(lines, all); len(got) != 3 {
		t.Fatalf("full budget kept %d lines", len(got))
	}
	last := EstimateTokens(lines[2])
	got := Newest(lines, last)
	if len(got) != 1 || got[0] != lines[2] {
		t.Fatalf("tight budget kept %v", got)
	}
	if got := Newest(lines, last-1); len(got) != 0 {
		t.Fatalf("budget below newest line kept %v", got)
	}
	if got := Newest(nil, 100); len(got) != 0 {
		t.Fatalf("nil input kept %v", got)
	}
}
