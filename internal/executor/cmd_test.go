package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"":                    "''",
		"/root/train.sh":      "/root/train.sh",
		"hello world":         "'hello world'",
		"it's":                `'it'"'"'s'`,
		"$HOME":               "'$HOME'",
		"key=value,other@x%y": "key=value,other@x%y",
	}

	for in, expected := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, expected, Quote(in))
		})
	}
}

func TestCmdString(t *testing.T) {
	cmd := NewCmd("tail", "-n", "20").Add("/root/training log").Env("LANG=C.UTF-8").Env("NAME=a b")

	assert.Equal(t, "LANG=C.UTF-8 NAME='a b' tail -n 20 '/root/training log'", cmd.String())
	assert.Equal(t, []string{"-n", "20", "/root/training log"}, cmd.Command())
}
