package isolate

// Window is the UI binding owned by a root isolate. If it also implements
// io.Closer it is closed when the isolate shuts down.
type Window interface {
	DidCreateIsolate(serviceID string)
}

// IOManager gives isolates access to host IO. It is held weakly: the
// controller never closes it.
type IOManager interface{}

// ImageDecoder decodes images for isolates. It is held weakly like IOManager.
type ImageDecoder interface{}
