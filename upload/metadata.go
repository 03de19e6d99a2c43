package upload

// ObjectAttrs is the object metadata sent with the session creation request.
// Zero fields are omitted from the request body.
type ObjectAttrs struct {
	Name            string            `json:"name,omitempty"`
	ContentType     string            `json:"contentType,omitempty"`
	ContentEncoding string            `json:"contentEncoding,omitempty"`
	ContentLanguage string            `json:"contentLanguage,omitempty"`
	CacheControl    string            `json:"cacheControl,omitempty"`
	CRC32C          string            `json:"crc32c,omitempty"`
	MD5Hash         string            `json:"md5Hash,omitempty"`
	KMSKeyName      string            `json:"kmsKeyName,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ObjectInfo is the server's description of the finished object. The API
// encodes 64-bit numerics as JSON strings.
type ObjectInfo struct {
	Name           string `json:"name"`
	Bucket         string `json:"bucket"`
	Size           int64  `json:"size,string"`
	Generation     int64  `json:"generation,string"`
	Metageneration int64  `json:"metageneration,string"`
	ContentType    string `json:"contentType"`
	MD5Hash        string `json:"md5Hash"`
	CRC32C         string `json:"crc32c"`
	MediaLink      string `json:"mediaLink"`
}
