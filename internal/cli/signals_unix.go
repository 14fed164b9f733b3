//go:build unix

package cli

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kiranshivaraju/listingintel/pkg/client/keepalive"
)

// watchVisibility maps shell job control onto keep-alive visibility: ^Z
// hides the process, fg/bg shows it again. The returned func stops watching.
func watchVisibility(ka *keepalive.KeepAlive) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTSTP, syscall.SIGCONT)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-ch:
				handleVisibility(ka, sig, ch, suspend)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}

func handleVisibility(ka *keepalive.KeepAlive, sig os.Signal, ch chan<- os.Signal, stop func()) {
	switch sig {
	case syscall.SIGTSTP:
		ka.SetVisible(false)
		stop()
	case syscall.SIGCONT:
		signal.Notify(ch, syscall.SIGTSTP)
		ka.SetVisible(true)
	}
}

// suspend stops the process the way an unhandled SIGTSTP would.
// handleVisibility re-arms the handler on SIGCONT.
func suspend() {
	signal.Reset(syscall.SIGTSTP)
	_ = syscall.Kill(syscall.Getpid(), syscall.SIGTSTP)
}
