//go:build windows

package reclaim

import (
	"golang.org/x/sys/windows"
)

var (
	kernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	procSetProcessWorkingSetSize = kernel32.NewProc("SetProcessWorkingSetSize")
)

// trimWorkingSet passes (SIZE_T)-1 for both bounds, which empties the working set
func trimWorkingSet() error {
	if err := procSetProcessWorkingSetSize.Find(); err != nil {
		return err
	}
	r1, _, err := procSetProcessWorkingSetSize.Call(uintptr(windows.CurrentProcess()), ^uintptr(0), ^uintptr(0))
	if r1 == 0 {
		return err
	}
	return nil
}
