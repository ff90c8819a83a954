/*
Package config provides configuration management for the data-find server.

Configuration is layered, lowest priority first:

	compiled-in defaults (NewDefault)
	YAML file            (LoadFromFile)
	.env file            (LoadDotEnv, fills unset variables only)
	environment          (LoadFromEnv, DATAFIND_*)

Validate is called once after all layers are applied. The configuration is
read at start-up only; the inventory and access-list files it points to are
reloaded by their stores, the configuration itself is not.

# Example

	global:
	  log_level: INFO
	  log_format: json
	server:
	  address: ":8080"
	  api_prefix: /api/v1
	inventory:
	  path: /var/lib/datafind/frame_cache.dat
	  refresh_interval: 60s
	  exclude: ["_TEST$"]
	access_list:
	  enabled: true
	  path: /etc/datafind/grid-mapfile
	auth:
	  mode: accesslist
	urls:
	  - scheme: file
	  - scheme: gsiftp
	    host: ldr.example.org
	    port: 15000
	preference:
	  - pattern: "^gsiftp://"
	    prefer: ["ldr\\.example\\.org"]
*/
package config
