package imap

import (
	"sync"
	"time"
)

var (
	uidValidityOnce  sync.Once
	uidValidityValue uint32
)

// UIDValidity returns the process-wide UIDVALIDITY value. It is derived
// from the clock once at first use, so every session within one running
// process observes the identical value and a restart moves it forward,
// which is what tells clients their cached UIDs may no longer be valid.
func UIDValidity() uint32 {
	uidValidityOnce.Do(func() {
		v := uint32(time.Now().Unix())
		if v == 0 {
			v = 1
		}
		uidValidityValue = v
	})
	return uidValidityValue
}
