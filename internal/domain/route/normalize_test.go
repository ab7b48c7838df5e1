package route

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "/api/users", want: "/api/users"},
		{name: "duplicate slashes", in: "/api//users///list", want: "/api/users/list"},
		{name: "trailing slash", in: "/api/users/", want: "/api/users"},
		{name: "numeric id", in: "/api/users/42", want: "/api/users/{id}"},
		{name: "uuid id", in: "/api/users/550e8400-e29b-41d4-a716-446655440000", want: "/api/users/{id}"},
		{name: "uppercase uuid", in: "/api/users/550E8400-E29B-41D4-A716-446655440000", want: "/api/users/{id}"},
		{name: "mixed ids", in: "/api/orgs/7/users/550e8400-e29b-41d4-a716-446655440000", want: "/api/orgs/{id}/users/{id}"},
		{name: "version survives normalize", in: "/api/v1/users", want: "/api/v1/users"},
		{name: "root", in: "/", want: "/"},
		{name: "empty", in: "", want: "/"},
		{name: "dot segments untouched", in: "/api/../admin", want: "/api/../admin"},
		{name: "alpha segment untouched", in: "/api/users/alice", want: "/api/users/alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMatchKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "strips v1", in: "/api/v1/users/42", want: "/api/users/{id}"},
		{name: "strips uppercase version", in: "/api/V2/users", want: "/api/users"},
		{name: "strips multiple versions", in: "/v1/api/v2/users", want: "/api/users"},
		{name: "keeps non-version v segment", in: "/api/via/users", want: "/api/via/users"},
		{name: "version only", in: "/v1", want: "/"},
		{name: "template passes through", in: "/api/users/{id}", want: "/api/users/{id}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := MatchKey(tt.in); got != tt.want {
				t.Errorf("MatchKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestGroup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"/api/v1/llm/completion", "/llm"},
		{"/api/v1/debates/42/turns", "/debates"},
		{"/auth/login", "/auth"},
		{"/api/organizations/550e8400-e29b-41d4-a716-446655440000", "/organizations"},
		{"/rag", "/rag"},
		{"/", "/"},
		{"/api/v1", "/"},
	}
	for _, tt := range tests {
		if got := Group(tt.in); got != tt.want {
			t.Errorf("Group(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
