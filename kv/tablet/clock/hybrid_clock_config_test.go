package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinytablet/config"
)

func TestHybridClockFromConfig(t *testing.T) {
	conf := config.DefaultConf
	conf.MaxClockUncertaintyUs = 2000

	c := NewHybridClockFromConfig(&conf)
	require.Equal(t, 2*time.Millisecond, c.maxUncertainty)
	require.True(t, c.NowLatest() > c.Now())
}
