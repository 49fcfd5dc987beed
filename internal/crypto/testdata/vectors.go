package testdata

// PathVector is a known plaintext path and its obfuscated form.
type PathVector struct {
	Name   string
	Salt   string
	Path   string
	Hashed string
}

// PathVectors were produced by the reference prefix-hash construction with salt "salt".
var PathVectors = []PathVector{
	{
		Name:   "single component",
		Salt:   "salt",
		Path:   "photos",
		Hashed: "wceNWSw5tecofhRWGHoVwfyH",
	},
	{
		Name:   "folder",
		Salt:   "salt",
		Path:   "photos/kittens",
		Hashed: "wceNWSw5tecofhRWGHoVwfyH/iSzIV33pwz3EDJX107hYW7Qo",
	},
	{
		Name:   "file in folder",
		Salt:   "salt",
		Path:   "photos/kittens/fluffy.jpg",
		Hashed: "wceNWSw5tecofhRWGHoVwfyH/iSzIV33pwz3EDJX107hYW7Qo/sQeDvj-tWpqJLzY8mawDkkvf",
	},
	{
		Name:   "same leaf under another parent",
		Salt:   "salt",
		Path:   "movies/kittens",
		Hashed: "AAn4mwGKjw2R-w8CKpdByQz5/x51emS08_pdQfJNgEuN5motv",
	},
}

// KDFVector is a PBKDF2-HMAC-SHA256 test vector.
type KDFVector struct {
	Name       string
	Secret     string
	Salt       string
	Iterations int
	Key        string // Hex
}

// KDFVectors are the published PBKDF2-HMAC-SHA256 vectors for "password"/"salt".
var KDFVectors = []KDFVector{
	{
		Name:       "one iteration",
		Secret:     "password",
		Salt:       "salt",
		Iterations: 1,
		Key:        "120fb6cffcf8b32c43e7225256c4f837a86548c92ccc35480805987cb70be17b",
	},
	{
		Name:       "two iterations",
		Secret:     "password",
		Salt:       "salt",
		Iterations: 2,
		Key:        "ae4d0c95af6b46d32d0adff928f06dd02a303f8ef3c251dfd6e2d85a95474c43",
	},
	{
		Name:       "4096 iterations",
		Secret:     "password",
		Salt:       "salt",
		Iterations: 4096,
		Key:        "c5e478d59288c841aa530db6845c4c8d962893a001ce4e11a4963873aa98134a",
	},
}
