package stage

// Catalog maps stage kinds to their descriptors. The default catalog
// describes the GStreamer element set; tests register synthetic
// descriptors instead.
type Catalog struct {
	descriptors map[Kind]Descriptor
}

func NewCatalog() *Catalog {
	return &Catalog{descriptors: make(map[Kind]Descriptor)}
}

func (c *Catalog) Register(d Descriptor) {
	c.descriptors[d.Kind] = d
}

func (c *Catalog) Lookup(k Kind) (Descriptor, bool) {
	d, ok := c.descriptors[k]
	return d, ok
}

// DefaultCatalog describes the stage set used for HLS transcoding.
//
// The demux descriptor is backed by decodebin, which demuxes and decodes
// in one element; the decode stages map onto the buffering queues it
// feeds, preserving the logical chain while the engine announces raw
// elementary streams dynamically.
func DefaultCatalog() *Catalog {
	c := NewCatalog()

	c.Register(Descriptor{
		Kind:    Source,
		Element: "filesrc",
		Options: map[string]string{
			"location":  "location",
			"blocksize": "blocksize",
		},
		Outputs: []Caps{AnyCaps()},
	})

	c.Register(Descriptor{
		Kind:    Demux,
		Element: "decodebin",
		Inputs:  []Caps{AnyCaps()},
		Outputs: []Caps{
			{MediaType: "video/*"},
			{MediaType: "audio/*"},
		},
		Dynamic: true,
	})

	c.Register(Descriptor{
		Kind:    VideoDecode,
		Element: "queue",
		Inputs:  []Caps{{MediaType: "video/*"}},
		Outputs: []Caps{{MediaType: "video/x-raw"}},
	})

	c.Register(Descriptor{
		Kind:    AudioDecode,
		Element: "queue",
		Inputs:  []Caps{{MediaType: "audio/*"}},
		Outputs: []Caps{{MediaType: "audio/x-raw"}},
	})

	c.Register(Descriptor{
		Kind:    VideoConvert,
		Element: "videoscale",
		Options: map[string]string{
			"width":  "width",
			"height": "height",
		},
		Inputs:  []Caps{{MediaType: "video/x-raw"}},
		Outputs: []Caps{{MediaType: "video/x-raw"}},
	})

	c.Register(Descriptor{
		Kind:    AudioConvert,
		Element: "audioresample",
		Options: map[string]string{
			"rate": "rate",
		},
		Inputs:  []Caps{{MediaType: "audio/x-raw"}},
		Outputs: []Caps{{MediaType: "audio/x-raw"}},
	})

	c.Register(Descriptor{
		Kind:    VideoEncodeSoftware,
		Element: "x264enc",
		Options: map[string]string{
			"bitrate": "bitrate",
			"preset":  "speed-preset",
		},
		Inputs:  []Caps{{MediaType: "video/x-raw"}},
		Outputs: []Caps{{MediaType: "video/x-h264"}},
	})

	c.Register(Descriptor{
		Kind:    VideoEncodeHardware,
		Element: "nvh264enc",
		Options: map[string]string{
			"bitrate": "bitrate",
			"preset":  "preset",
		},
		Inputs:  []Caps{{MediaType: "video/x-raw"}},
		Outputs: []Caps{{MediaType: "video/x-h264"}},
	})

	c.Register(Descriptor{
		Kind:    AudioEncode,
		Element: "avenc_aac",
		Options: map[string]string{
			"bitrate": "bitrate",
		},
		Inputs:  []Caps{{MediaType: "audio/x-raw"}},
		Outputs: []Caps{{MediaType: "audio/mpeg"}},
	})

	c.Register(Descriptor{
		Kind:    Mux,
		Element: "mpegtsmux",
		Options: map[string]string{
			"alignment":    "alignment",
			"pat-interval": "pat-interval",
			"pmt-interval": "pmt-interval",
			"pcr-interval": "pcr-interval",
		},
		Inputs: []Caps{
			{MediaType: "video/x-h264"},
			{MediaType: "audio/mpeg"},
		},
		Outputs: []Caps{{MediaType: "video/mpegts"}},
	})

	c.Register(Descriptor{
		Kind:    HLSSink,
		Element: "hlssink",
		Options: map[string]string{
			"location":          "location",
			"playlist-location": "playlist-location",
			"target-duration":   "target-duration",
			"playlist-length":   "playlist-length",
			"max-files":         "max-files",
		},
		Inputs: []Caps{{MediaType: "video/mpegts"}},
	})

	return c
}
