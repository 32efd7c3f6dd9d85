//go:build windows

package inject

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32           = windows.NewLazySystemDLL("user32.dll")
	procSendInput    = user32.NewProc("SendInput")
	procSetCursorPos = user32.NewProc("SetCursorPos")
	procMapVirtualKey = user32.NewProc("MapVirtualKeyW")
)

const (
	inputMouse    = 0
	inputKeyboard = 1

	mouseEventFLeftDown   = 0x0002
	mouseEventFLeftUp     = 0x0004
	mouseEventFRightDown  = 0x0008
	mouseEventFRightUp    = 0x0010
	mouseEventFMiddleDown = 0x0020
	mouseEventFMiddleUp   = 0x0040
	mouseEventFWheel      = 0x0800

	keyEventFKeyUp    = 0x0002
	mapVKToVSC        = 0
)

type mouseInput struct {
	dx, dy      int32
	mouseData   uint32
	dwFlags     uint32
	time        uint32
	dwExtraInfo uintptr
}

type keybdInput struct {
	wVk         uint16
	wScan       uint16
	dwFlags     uint32
	time        uint32
	dwExtraInfo uintptr
}

type rawInput struct {
	inputType uint32
	padding   [4]byte
	mi        mouseInput
}

// WindowsInjector drives input through user32's SendInput, grounded on the
// teacher's WindowsInputHandler (agent/internal/remote/desktop/
// input_windows.go), ported from raw syscall.NewLazyDLL to
// golang.org/x/sys/windows.
type WindowsInjector struct {
	mu sync.Mutex
}

// NewPlatformInjector creates the Windows input backend.
func NewPlatformInjector() Injector {
	return &WindowsInjector{}
}

func (w *WindowsInjector) MouseMove(x, y int) error {
	ret, _, _ := procSetCursorPos.Call(uintptr(x), uintptr(y))
	if ret == 0 {
		return fmt.Errorf("inject: SetCursorPos failed")
	}
	return nil
}

func (w *WindowsInjector) mouseButton(flags uint32) error {
	inp := rawInput{inputType: inputMouse}
	inp.mi.dwFlags = flags
	ret, _, _ := procSendInput.Call(1, uintptr(unsafe.Pointer(&inp)), unsafe.Sizeof(inp))
	if ret == 0 {
		return fmt.Errorf("inject: SendInput failed (flags=0x%x)", flags)
	}
	return nil
}

func (w *WindowsInjector) MouseDown(button uint8) error {
	switch button {
	case 1:
		return w.mouseButton(mouseEventFRightDown)
	case 2:
		return w.mouseButton(mouseEventFMiddleDown)
	default:
		return w.mouseButton(mouseEventFLeftDown)
	}
}

func (w *WindowsInjector) MouseUp(button uint8) error {
	switch button {
	case 1:
		return w.mouseButton(mouseEventFRightUp)
	case 2:
		return w.mouseButton(mouseEventFMiddleUp)
	default:
		return w.mouseButton(mouseEventFLeftUp)
	}
}

func (w *WindowsInjector) MouseScroll(dx, dy float32) error {
	inp := rawInput{inputType: inputMouse}
	inp.mi.dwFlags = mouseEventFWheel
	inp.mi.mouseData = uint32(int32(-dy * 120))
	ret, _, _ := procSendInput.Call(1, uintptr(unsafe.Pointer(&inp)), unsafe.Sizeof(inp))
	if ret == 0 {
		return fmt.Errorf("inject: SendInput wheel failed")
	}
	return nil
}

func (w *WindowsInjector) sendKey(vk uint16, up bool) error {
	sc, _, _ := procMapVirtualKey.Call(uintptr(vk), mapVKToVSC)

	inp := rawInput{inputType: inputKeyboard}
	ki := (*keybdInput)(unsafe.Pointer(&inp.mi))
	ki.wVk = vk
	ki.wScan = uint16(sc)
	if up {
		ki.dwFlags = keyEventFKeyUp
	}

	ret, _, _ := procSendInput.Call(1, uintptr(unsafe.Pointer(&inp)), unsafe.Sizeof(inp))
	if ret == 0 {
		return fmt.Errorf("inject: SendInput key failed (vk=0x%x)", vk)
	}
	return nil
}

// KeyDown/KeyUp take the wire protocol's keycode directly as a Windows
// virtual-key code (§4.6: keycode is u16, left for the client to map).
func (w *WindowsInjector) KeyDown(code uint16) error { return w.sendKey(code, false) }
func (w *WindowsInjector) KeyUp(code uint16) error   { return w.sendKey(code, true) }
