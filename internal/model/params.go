package model

import "fmt"

// Compression preset constants, matching ghostscript's -dPDFSETTINGS values.
const (
	PresetScreen   = "screen"
	PresetEbook    = "ebook"
	PresetPrinter  = "printer"
	PresetPrepress = "prepress"
)

// Encryption key strength constants, in bits.
const (
	KeyAES128 = 128
	KeyAES256 = 256
)

// Split mode constants.
const (
	SplitRange   = "range"
	SplitExtract = "extract"
	SplitEveryN  = "every-n"
)

// Render output format constants.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

// CompressParams configures a compress operation.
type CompressParams struct {
	Preset string `json:"preset"`
}

// ProtectParams configures a protect operation. OwnerPassword defaults to
// UserPassword when empty; KeyBits defaults to 256.
type ProtectParams struct {
	UserPassword  string `json:"user_password"`
	OwnerPassword string `json:"owner_password,omitempty"`
	KeyBits       int    `json:"key_bits,omitempty"`
}

// UnlockParams configures an unlock operation.
type UnlockParams struct {
	Password string `json:"password"`
}

// SplitParams configures a split operation.
type SplitParams struct {
	Mode       string `json:"mode"`
	RangeStart int    `json:"range_start,omitempty"`
	RangeEnd   int    `json:"range_end,omitempty"`
	Pages      []int  `json:"pages,omitempty"`
	EveryN     int    `json:"every_n,omitempty"`
}

// RenderParams configures a render operation. Page is 1-based.
type RenderParams struct {
	Page   int     `json:"page"`
	Scale  float64 `json:"scale,omitempty"`
	Format string  `json:"format,omitempty"`
}

// OpParams carries the parameters for exactly one operation. The field
// matching the item's operation must be set; the rest stay nil.
type OpParams struct {
	Compress *CompressParams `json:"compress,omitempty"`
	Protect  *ProtectParams  `json:"protect,omitempty"`
	Unlock   *UnlockParams   `json:"unlock,omitempty"`
	Split    *SplitParams    `json:"split,omitempty"`
	Render   *RenderParams   `json:"render,omitempty"`
}

// Validate checks that the parameters required by op are present and within range.
func (p OpParams) Validate(op string) error {
	switch op {
	case OpCompress:
		if p.Compress == nil {
			return fmt.Errorf("compress params are required")
		}
		switch p.Compress.Preset {
		case PresetScreen, PresetEbook, PresetPrinter, PresetPrepress:
		default:
			return fmt.Errorf("invalid preset %q", p.Compress.Preset)
		}
	case OpProtect:
		if p.Protect == nil {
			return fmt.Errorf("protect params are required")
		}
		if p.Protect.UserPassword == "" {
			return fmt.Errorf("password cannot be empty")
		}
		switch p.Protect.KeyBits {
		case 0, KeyAES128, KeyAES256:
		default:
			return fmt.Errorf("invalid key strength %d", p.Protect.KeyBits)
		}
	case OpUnlock:
		if p.Unlock == nil || p.Unlock.Password == "" {
			return fmt.Errorf("password cannot be empty")
		}
	case OpMerge:
		// Merge takes no parameters.
	case OpSplit:
		if p.Split == nil {
			return fmt.Errorf("split params are required")
		}
		switch p.Split.Mode {
		case SplitRange:
			if p.Split.RangeStart < 1 || p.Split.RangeEnd < p.Split.RangeStart {
				return fmt.Errorf("invalid page range %d-%d", p.Split.RangeStart, p.Split.RangeEnd)
			}
		case SplitExtract:
			if len(p.Split.Pages) == 0 {
				return fmt.Errorf("extract mode requires at least one page")
			}
			for _, pg := range p.Split.Pages {
				if pg < 1 {
					return fmt.Errorf("invalid page number %d", pg)
				}
			}
		case SplitEveryN:
			if p.Split.EveryN < 1 {
				return fmt.Errorf("every-n must be at least 1")
			}
		default:
			return fmt.Errorf("invalid split mode %q", p.Split.Mode)
		}
	case OpRender:
		if p.Render == nil {
			return fmt.Errorf("render params are required")
		}
		if p.Render.Page < 1 {
			return fmt.Errorf("invalid page number %d", p.Render.Page)
		}
		switch p.Render.Format {
		case "", FormatPNG, FormatJPEG:
		default:
			return fmt.Errorf("invalid render format %q", p.Render.Format)
		}
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	return nil
}
