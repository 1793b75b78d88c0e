package infra

import "testing"

func TestExtractMarker(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantMarker string
		wantBody   string
		wantErr    bool
	}{
		{
			name:       "valid marker",
			query:      "--sql 0b7f5a55-59d1-4a39-9f0f-5a0c7d4f8d11\nselect 1",
			wantMarker: "0b7f5a55-59d1-4a39-9f0f-5a0c7d4f8d11",
			wantBody:   "select 1",
		},
		{
			name:       "leading whitespace",
			query:      "\n  --sql 0b7f5a55-59d1-4a39-9f0f-5a0c7d4f8d11\nselect 1\nfrom t",
			wantMarker: "0b7f5a55-59d1-4a39-9f0f-5a0c7d4f8d11",
			wantBody:   "select 1\nfrom t",
		},
		{
			name:    "missing marker",
			query:   "select 1",
			wantErr: true,
		},
		{
			name:    "uppercase uuid rejected",
			query:   "--sql 0B7F5A55-59D1-4A39-9F0F-5A0C7D4F8D11\nselect 1",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			marker, body, err := extractMarker(tc.query)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("extractMarker() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("extractMarker() error: %v", err)
			}
			if marker != tc.wantMarker {
				t.Fatalf("marker = %q, want %q", marker, tc.wantMarker)
			}
			if body != tc.wantBody {
				t.Fatalf("body = %q, want %q", body, tc.wantBody)
			}
		})
	}
}
