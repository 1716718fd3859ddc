package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
)

func TestLimited_Build(t *testing.T) {
	var buf bytes.Buffer
	l := NewLimited(New(&buf, logiface.LevelInformational), map[time.Duration]int{time.Hour: 2})

	for range 5 {
		l.Warning(`a`).Int(`route`, 1).Log(`unroutable`)
	}
	l.Warning(`b`).Int(`route`, 2).Log(`unroutable`)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[2], `"route":2`)

	// disabled levels do not consume the budget
	l.Build(logiface.LevelDebug, `c`).Log(`dropped`)
	assert.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 3)
}

func TestLimited_nil(t *testing.T) {
	var l *Limited
	assert.Nil(t, l.Logger())
	assert.Nil(t, l.Warning(`x`))
	l.Warning(`x`).Str(`k`, `v`).Log(`safe`)

	l = NewLimited(nil, nil)
	assert.Nil(t, l.Warning(`x`))
}
