package badgerstore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

// cell keys are the prefix followed by big-endian row and column, so badger's
// key order is row-major
var cellPrefix = []byte("c/")

const keyLen = 2 + 4 + 4

func cellKey(addr spreadsheet.CellAddress) []byte {
	key := make([]byte, keyLen)
	copy(key, cellPrefix)
	binary.BigEndian.PutUint32(key[2:], addr.Row)
	binary.BigEndian.PutUint32(key[6:], addr.Column)
	return key
}

func parseCellKey(key []byte) (spreadsheet.CellAddress, error) {
	if len(key) != keyLen || string(key[:2]) != string(cellPrefix) {
		return spreadsheet.CellAddress{}, fmt.Errorf("malformed cell key %x", key)
	}
	return spreadsheet.CellAddress{
		Row:    binary.BigEndian.Uint32(key[2:]),
		Column: binary.BigEndian.Uint32(key[6:]),
	}, nil
}

// record is the stored form of a cell. token trees are not persisted; they
// are re-parsed the next time a formula is evaluated.
type record struct {
	Formula      string                `cbor:"1,keyasint"`
	Format       string                `cbor:"2,keyasint,omitempty"`
	HasValue     bool                  `cbor:"3,keyasint,omitempty"`
	Type         spreadsheet.CellType  `cbor:"4,keyasint,omitempty"`
	Number       float64               `cbor:"5,keyasint,omitempty"`
	Text         string                `cbor:"6,keyasint,omitempty"`
	Bool         bool                  `cbor:"7,keyasint,omitempty"`
	Date         *time.Time            `cbor:"8,keyasint,omitempty"`
	ErrorCode    spreadsheet.ErrorCode `cbor:"9,keyasint,omitempty"`
	HasFormatted bool                  `cbor:"10,keyasint,omitempty"`
	Formatted    string                `cbor:"11,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("badgerstore: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("badgerstore: cbor decoder: " + err.Error())
	}
}

func encodeCell(cell spreadsheet.Cell) ([]byte, error) {
	rec := record{Formula: cell.Formula, Format: cell.Format}
	if v, ok := cell.Value(); ok {
		rec.HasValue = true
		rec.Type = spreadsheet.TypeOf(v)
		switch v := v.(type) {
		case float64:
			rec.Number = v
		case string:
			rec.Text = v
		case bool:
			rec.Bool = v
		case time.Time:
			rec.Date = &v
		case *spreadsheet.SpreadsheetError:
			rec.ErrorCode = v.ErrorCode
			rec.Text = v.Message
		}
	}
	if text, ok := cell.Formatted(); ok {
		rec.HasFormatted = true
		rec.Formatted = text
	}
	return encMode.Marshal(rec)
}

func decodeCell(addr spreadsheet.CellAddress, data []byte) (spreadsheet.Cell, error) {
	var rec record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return spreadsheet.Cell{}, fmt.Errorf("decode cell %s: %w", addr, err)
	}
	cell := spreadsheet.NewCell(addr, rec.Formula)
	cell.Format = rec.Format
	if rec.HasValue {
		switch rec.Type {
		case spreadsheet.CellValueTypeNumber:
			cell.SetValue(rec.Number)
		case spreadsheet.CellValueTypeString:
			cell.SetValue(rec.Text)
		case spreadsheet.CellValueTypeBoolean:
			cell.SetValue(rec.Bool)
		case spreadsheet.CellValueTypeDate:
			if rec.Date == nil {
				return spreadsheet.Cell{}, fmt.Errorf("decode cell %s: date value without a date", addr)
			}
			cell.SetValue(*rec.Date)
		case spreadsheet.CellValueTypeError:
			cell.SetValue(spreadsheet.NewSpreadsheetError(rec.ErrorCode, rec.Text))
		default:
			cell.SetValue(nil)
		}
	}
	if rec.HasFormatted {
		cell.SetFormatted(rec.Formatted)
	}
	return cell, nil
}
