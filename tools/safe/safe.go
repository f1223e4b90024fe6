package safe

import (
	"ConnectSphere/logger"
)

// SafeGo starts a goroutine that recovers from panic, so a panicking
// handler never takes down the whole process.
func SafeGo(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[SafeGo] %s panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}

// Recovered wraps f so it can be used as a callback that must not panic.
func Recovered(name string, f func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[Recovered] %s panic recovered: %v", name, r)
			}
		}()
		f()
	}
}
