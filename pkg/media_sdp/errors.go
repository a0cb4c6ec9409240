package media_sdp

import (
	"errors"
)

// ErrMalformedInput возвращается Parse для тела, в котором нет ни одной
// распознаваемой SDP строки. Вызывающая сторона трактует это как
// отсутствие SDP offer и переходит на кодеки по умолчанию.
var ErrMalformedInput = errors.New("некорректное SDP тело")
