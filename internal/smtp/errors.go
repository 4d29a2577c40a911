package smtp

import "errors"

// ErrClosedConnection names the error for an operation attempted after
// the session's stream has been dropped (post-QUIT). The session code
// does not return it: a closed stream surfaces as stream.ErrClosed.
var ErrClosedConnection = errors.New("smtp: connection is closed")

// ErrDataTooBig is returned by the DATA body reader when the
// accumulated body exceeds the 2 MiB cap.
var ErrDataTooBig = errors.New("Data size is too big")
