package requests

import (
	"fmt"
	"strconv"
)

// placeholderReference is stored until the numeric id is known.
const placeholderReference = "TEMP"

// FormatReference renders id as prefix followed by at least width digits,
// left-padded with zeros. Longer ids are never truncated.
func FormatReference(id uint, prefix string, width int) string {
	digits := strconv.FormatUint(uint64(id), 10)
	if len(digits) >= width {
		return prefix + digits
	}
	return fmt.Sprintf("%s%0*d", prefix, width, id)
}
