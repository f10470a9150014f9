package config

// configSchema constrains CUE configuration files. Every section is
// optional; omitted fields keep their defaults.
const configSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Capability: "camera:pose" | "audio:spatial" | "resources:load" | "scene:anchors"

#Config: {
	session?: {
		confidence_threshold?: number & >0 & <=1
		loss_timeout?:         #Duration
		container_id?:         string
		backdrop?: [...string]
	}

	plugins?: {
		max_consecutive_failures?: int & >=1
		allowed_capabilities?: [...#Capability]
		dir?: string
		policy_paths?: [...string]
		watch_policies?:    bool
		script_max_steps?:  int & >=1000
		wasm_timeout?:      #Duration
		wasm_memory_pages?: int & >=1 & <=65536
	}

	loader?: {
		workers?:     int & >=1 & <=256
		timeout?:     #Duration
		retry_delay?: #Duration
		queue_hint?:  int & >=0
		base_dir?:    string
		placeholders?: [=~"^(texture|material|audio)$"]: string
	}

	audio?: {
		backend?: "log" | "none"
	}

	telemetry?: {...}
}
`
