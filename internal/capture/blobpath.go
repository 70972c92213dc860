package capture

import (
	"fmt"
	"strings"
)

// AttachmentsBlobName is the mirrored name of the attachment bundle.
const AttachmentsBlobName = "attachments.zip"

// BlobPath returns the mirror location of one artifact: {prefix}/{id}/{name}.
func BlobPath(prefix, id, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", id, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, id, name)
}
