package model

// Engine tool constants. Each tool provides one document-processing
// capability: ghostscript for compression and page manipulation, qpdf for
// encryption, and the renderer for page rasterization.
const (
	ToolGhostscript = "ghostscript"
	ToolQPDF        = "qpdf"
	ToolRenderer    = "renderer"
)

// Engine flavor constants. A flavor selects how a tool is executed inside its
// worker: as a WebAssembly module or as a native binary.
const (
	FlavorWasm   = "wasm"
	FlavorNative = "native"
)

// Engine type identifiers. Each identifies one worker process (one isolated
// background execution context) and one lazily loaded engine module.
const (
	EngineGhostscriptWasm   = ToolGhostscript + "-" + FlavorWasm
	EngineGhostscriptNative = ToolGhostscript + "-" + FlavorNative
	EngineQPDFWasm          = ToolQPDF + "-" + FlavorWasm
	EngineQPDFNative        = ToolQPDF + "-" + FlavorNative
	EngineRendererWasm      = ToolRenderer + "-" + FlavorWasm
)

// EngineTypes lists every known engine type. The module loading state machine
// creates one state entry per type at startup.
var EngineTypes = []string{
	EngineGhostscriptWasm,
	EngineGhostscriptNative,
	EngineQPDFWasm,
	EngineQPDFNative,
	EngineRendererWasm,
}

// KnownEngineType reports whether s names a known engine type.
func KnownEngineType(s string) bool {
	for _, t := range EngineTypes {
		if t == s {
			return true
		}
	}
	return false
}
