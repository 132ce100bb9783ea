package oscore

import (
	"github.com/backkem/coap/pkg/crypto"
	"github.com/fxamacker/cbor/v2"
)

// cborMode encodes the HKDF info and AAD structures (RFC 8613 Sections
// 3.2.1 and 5.4) in deterministic form. A nil []byte encodes as h'';
// a nil interface value encodes as null.
var cborMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.NilContainers = cbor.NilContainerAsEmpty
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// kdfInfo builds [id, id_context, alg_aead, type, L].
func kdfInfo(id, idContext []byte, typ string, length int) ([]byte, error) {
	var idc interface{}
	if idContext != nil {
		idc = idContext
	}
	return cborMode.Marshal([]interface{}{id, idc, crypto.COSEAlgAESCCM16_64_128, typ, length})
}

// aad builds the COSE Enc_structure for AES-CCM-16-64-128:
// ["Encrypt0", h'', bstr([1, [10], kid, piv, h''])].
func aad(kid, piv []byte) ([]byte, error) {
	ext, err := cborMode.Marshal([]interface{}{
		oscoreVersion,
		[]int{crypto.COSEAlgAESCCM16_64_128},
		kid,
		piv,
		[]byte{},
	})
	if err != nil {
		return nil, err
	}
	return cborMode.Marshal([]interface{}{"Encrypt0", []byte{}, ext})
}
