package cache

import "testing"

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "get with query",
			key:  Key{Method: "GET", URL: "https://api.example.com/users?max=10"},
			want: "GET:https://api.example.com/users?max=10",
		},
		{
			name: "lowercase method normalized",
			key:  Key{Method: "get", URL: "https://api.example.com/users"},
			want: "GET:https://api.example.com/users",
		},
		{
			name: "empty url",
			key:  Key{Method: "GET"},
			want: "GET:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKey_DistinctMethods(t *testing.T) {
	get := Key{Method: "GET", URL: "https://api.example.com/users"}.String()
	post := Key{Method: "POST", URL: "https://api.example.com/users"}.String()

	if get == post {
		t.Errorf("keys for different methods collide: %q", get)
	}
}
