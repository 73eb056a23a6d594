package workers

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// rawDataFrame is the fixed inference/rawdata struct, `<BBBfffffB20b>`
// in the original's struct-format notation: three leading bytes, five
// float32 sensor readings, a trailing byte, and twenty int8 quantized
// sound-class logits.
type rawDataFrame struct {
	B0, B1, B2 byte
	Sensors    [5]float32
	ClassCount byte
	Logits     [20]int8
}

const rawDataFrameSize = 3 + 4*5 + 1 + 20 // 44 bytes

func decodeRawDataFrame(payload []byte) (rawDataFrame, error) {
	var frame rawDataFrame
	if len(payload) < rawDataFrameSize {
		return frame, fmt.Errorf("rawdata frame too short: got %d want %d", len(payload), rawDataFrameSize)
	}
	r := bytes.NewReader(payload[:rawDataFrameSize])
	if err := binary.Read(r, binary.LittleEndian, &frame); err != nil {
		return frame, fmt.Errorf("decode rawdata frame: %w", err)
	}
	return frame, nil
}

// dequantizeLogit converts a quantized int8 sound-class logit back to
// its [0,1) float range: (x+128)/256 (spec.md §4.7).
func dequantizeLogit(x int8) float64 {
	return (float64(x) + 128) / 256
}

const rawDataCSVHeader = "time,b0,b1,b2,sensor0,sensor1,sensor2,sensor3,sensor4,class_count," +
	"logit0,logit1,logit2,logit3,logit4,logit5,logit6,logit7,logit8,logit9," +
	"logit10,logit11,logit12,logit13,logit14,logit15,logit16,logit17,logit18,logit19\n"

func formatRawDataCSVRow(timestamp string, frame rawDataFrame) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s,%d,%d,%d,%g,%g,%g,%g,%g,%d",
		timestamp, frame.B0, frame.B1, frame.B2,
		frame.Sensors[0], frame.Sensors[1], frame.Sensors[2], frame.Sensors[3], frame.Sensors[4],
		frame.ClassCount)
	for _, logit := range frame.Logits {
		fmt.Fprintf(&b, ",%g", dequantizeLogit(logit))
	}
	b.WriteByte('\n')
	return b.String()
}
