// Command nimbus-storage serves and operates the storage layer.
//
// Sources are read from a catalog given with --catalog, either a PostgreSQL
// DSN or a YAML file:
//
//	sources:
//	  - id: r2-main
//	    name: Primary R2
//	    kind: r2
//	    priority: 90
//	    quotaLimit: 10737418240
//	    config:
//	      accountId: 0123abcd
//	      accessKeyId: vault:secret/data/r2#accessKeyId
//	      secretAccessKey: vault:secret/data/r2#secretAccessKey
//	      bucketName: files
//	  - name: Scratch disk
//	    kind: local
//	    priority: 10
//	    config:
//	      basePath: /var/lib/nimbus
//
// Values of the form vault:<path>#<key> are read from Vault when --vault-addr
// is set.
//
// Example usage:
//
//	nimbus-storage --catalog sources.yaml serve --listen-addr :8080
//	nimbus-storage --catalog sources.yaml sources test
//	nimbus-storage --catalog sources.yaml folders mkdir /projects/2024
//	nimbus-storage --catalog sources.yaml folders mv /projects /archive
//	nimbus-storage --catalog sources.yaml folders rm -r /archive
package main
