package ledger

import (
	"bytes"
	"encoding/binary"

	"github.com/minio/crc64nvme"
	"github.com/wolfeidau/creditgate/internal/models"
)

// Checksum computes the CRC64-NVME of the immutable fields of an entry. The
// store-assigned ID is excluded so the checksum can be set before insert.
func Checksum(e *models.LedgerEntry) uint64 {
	buf := new(bytes.Buffer)

	writeString(buf, e.SessionID)
	_ = binary.Write(buf, binary.LittleEndian, e.Delta)
	writeString(buf, string(e.Reason))
	writeString(buf, e.ModelID)
	_ = binary.Write(buf, binary.LittleEndian, int64(e.Cost))
	writeString(buf, e.GenerationID)
	_ = binary.Write(buf, binary.LittleEndian, e.CreatedAt.UnixMicro())

	h := crc64nvme.New()
	h.Write(buf.Bytes())
	return h.Sum64()
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}
