package homedir

import "testing"

func TestExpand(t *testing.T) {
	t.Setenv("HOME", "/home/alice")
	cases := []struct {
		path, want string
	}{
		{"~", "/home/alice"},
		{"~/mail", "/home/alice/mail"},
		{"~/.threadfolder.toml", "/home/alice/.threadfolder.toml"},
		{"/var/mail", "/var/mail"},
		{"~bob/mail", "~bob/mail"},
		{"", ""},
	}
	for _, tc := range cases {
		got, err := Expand(tc.path)
		if err != nil {
			t.Errorf("Expand(%q) error %v", tc.path, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Expand(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestGetPrefersHome(t *testing.T) {
	t.Setenv("HOME", "/somewhere")
	got, err := Get()
	if err != nil || got != "/somewhere" {
		t.Errorf("Get() = %q, %v, want %q, nil", got, err, "/somewhere")
	}
}
