package generate

import "encoding/binary"

// Argmax implements greedy decoding over a quantized logits buffer (spec
// §4.6.4): logits is [ar, vocab_size] row-major uint16 (little-endian on
// the wire, per the accelerator's tensor layout), row selects which AR
// position to decode from. Argmax over raw uint16 equals argmax over the
// dequantized real values because the quantization is monotonic affine
// — no dequantization is performed. Ties are
// broken by lowest token id.
func Argmax(logits []byte, row, vocabSize int) int32 {
	rowBytes := logits[row*vocabSize*2 : (row+1)*vocabSize*2]

	best := int32(0)
	bestVal := binary.LittleEndian.Uint16(rowBytes[0:2])
	for i := 1; i < vocabSize; i++ {
		v := binary.LittleEndian.Uint16(rowBytes[i*2 : i*2+2])
		if v > bestVal {
			bestVal = v
			best = int32(i)
		}
	}
	return best
}
