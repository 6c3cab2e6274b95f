package cache

// Embedder model served to the runtime from embedder/<org>/<model>/.
const (
	EmbedderModel  = "Xenova/nomic-embed-text-v1"
	embedderPrefix = "embedder/" + EmbedderModel + "/"
	embedderOrigin = "https://huggingface.co/" + EmbedderModel + "/resolve/main/"
)

var embedderFiles = []string{
	"tokenizer_config.json",
	"onnx/model_fp16.onnx",
	"tokenizer.json",
	"config.json",
	"vocab.txt",
	"quantize_config.json",
	"special_tokens_map.json",
}

// DefaultSources returns the remote origins of every asset the bundled runtime
// script loads: the transformers.js and MeMemo bundles plus the embedder model.
func DefaultSources() map[string]string {
	sources := map[string]string{
		"transformers.js": "https://cdn.jsdelivr.net/npm/@huggingface/transformers",
		"mememo.js":       "https://cdn.jsdelivr.net/npm/mememo/dist/index.umd.js",
	}
	for _, f := range embedderFiles {
		sources[embedderPrefix+f] = embedderOrigin + f
	}
	return sources
}
