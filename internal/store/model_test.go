package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"React Admin Dashboard":     "react-admin-dashboard",
		"  Next.js 14 Boilerplate ": "nextjs-14-boilerplate",
		"Go + HTMX starter!":        "go-htmx-starter",
		"---":                       "",
	}

	for input, want := range cases {
		assert.Equal(t, want, slugify(input), "slugify(%q)", input)
	}
}
