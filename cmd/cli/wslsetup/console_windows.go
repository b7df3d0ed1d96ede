//go:build windows

package main

import (
	"golang.org/x/sys/windows"
)

const codePageUTF8 = 65001

var procSetConsoleOutputCP = windows.NewLazySystemDLL("kernel32.dll").NewProc("SetConsoleOutputCP")

// setConsoleUTF8 switches the console to UTF-8 so child tool output renders
func setConsoleUTF8() {
	if procSetConsoleOutputCP.Find() != nil {
		return
	}
	_, _, _ = procSetConsoleOutputCP.Call(uintptr(codePageUTF8))
}
