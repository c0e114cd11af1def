package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNew_DefaultsOnBadLevel(t *testing.T) {
	l := New(Config{Level: "not-a-level", Format: "text"})
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestNew_JSONFormatter(t *testing.T) {
	l := New(Config{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	_, ok := l.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}

func TestEntry_CarriesComponentField(t *testing.T) {
	l := New(Config{Level: "info", Format: "text"})
	entry := l.Entry("kv")
	assert.Equal(t, "kv", entry.Data["component"])
}
