package serializer

import (
	"github.com/ValentinKolb/dFrame/lib/codec"
	"github.com/ValentinKolb/dFrame/rpc/common"
)

// NewBinarySerializer creates a new serializer using the wire codec.
// Only the fields present in a message are written (see common.Message.MarshalWire).
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using the wire codec
type binarySerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return codec.Marshal(&msg)
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	return codec.Unmarshal(data, msg)
}
