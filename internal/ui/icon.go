package ui

import (
	"bytes"

	"github.com/gogpu/gg"
)

// trayIcon draws a 32x32 film frame with a play marker.
func trayIcon() []byte {
	dc := gg.NewContext(32, 32)
	defer dc.Close()
	dc.Clear()

	dc.SetRGB(0.12, 0.14, 0.18)
	dc.DrawRoundedRectangle(2, 5, 28, 22, 5)
	if err := dc.Fill(); err != nil {
		return nil
	}
	dc.SetRGB(0.98, 0.76, 0.2)
	dc.MoveTo(12, 10)
	dc.LineTo(22, 16)
	dc.LineTo(12, 22)
	dc.ClosePath()
	if err := dc.Fill(); err != nil {
		return nil
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil
	}
	return buf.Bytes()
}
