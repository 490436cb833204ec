package config

import (
	"errors"
	"fmt"
	"time"
)

// Config configures every musicdeploy command.
type Config struct {
	// Path to the deploy_config.json state file.
	StatePath string `mapstructure:"state"`

	AWS           AWS           `mapstructure:"aws"`
	Instances     Instances     `mapstructure:"instances"`
	Database      Database      `mapstructure:"database"`
	LoadBalancer  LoadBalancer  `mapstructure:"load_balancer"`
	Notifications Notifications `mapstructure:"notifications"`
	App           App           `mapstructure:"app"`
	GitHub        GitHub        `mapstructure:"github"`
}

type AWS struct {
	Region      string `mapstructure:"region"`       // default: us-east-1
	KeyPairName string `mapstructure:"key_pair"`     // default: my-ec2-key
	KeyDir      string `mapstructure:"key_dir"`      // default: .
	RDSGroup    string `mapstructure:"rds_group"`    // default: MusicAppRDSSecurityGroup
	EC2Group    string `mapstructure:"ec2_group"`    // default: MusicAppEC2SecurityGroup
	AdminCIDR   string `mapstructure:"admin_cidr"`   // default: detected public IP, else 0.0.0.0/0
	Application string `mapstructure:"application"`  // default: MusicApp
	RoleName    string `mapstructure:"role_name"`    // default: musicapp-server-role
	ProfileName string `mapstructure:"profile_name"` // default: musicapp-server-profile
}

type Instances struct {
	// AMI is an image ID, or "latest" to resolve the newest Amazon Linux 2
	// image at deploy time.
	AMI          string        `mapstructure:"ami"`            // default: ami-09e6f87a47903347c
	Type         string        `mapstructure:"type"`           // default: t2.micro
	Clients      int           `mapstructure:"clients"`        // default: 2
	SSHUser      string        `mapstructure:"ssh_user"`       // default: ec2-user
	SSHPort      int32         `mapstructure:"ssh_port"`       // default: 22
	SSHRetry     time.Duration `mapstructure:"ssh_retry"`      // default: 2m
	UserDataFile string        `mapstructure:"user_data_file"` // default: built-in bootstrap script
	ServerName   string        `mapstructure:"server_name"`    // default: MusicAppServer
	ClientName   string        `mapstructure:"client_name"`    // default: MusicAppClient
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`   // default: 15m
}

type Database struct {
	Identifier       string `mapstructure:"identifier"`     // default: music-db-app-rds
	Engine           string `mapstructure:"engine"`         // default: postgres
	EngineVersion    string `mapstructure:"engine_version"` // default: 17.4
	Class            string `mapstructure:"class"`          // default: db.t3.micro
	AllocatedStorage int32  `mapstructure:"storage"`        // default: 20 (GB)
	Username         string `mapstructure:"username"`       // default: dbadmin
	Password         string `mapstructure:"password"`
	Name             string `mapstructure:"name"` // default: musicdb
	Port             int32  `mapstructure:"port"` // default: 5432
	Private          bool   `mapstructure:"private"`

	MasterAttempts int           `mapstructure:"master_attempts"` // default: 5
	MasterInterval time.Duration `mapstructure:"master_interval"` // default: 10s
	AppAttempts    int           `mapstructure:"app_attempts"`    // default: 5
	AppInterval    time.Duration `mapstructure:"app_interval"`    // default: 5s
	WaitTimeout    time.Duration `mapstructure:"wait_timeout"`    // default: 40m
}

type LoadBalancer struct {
	Name               string        `mapstructure:"name"`                 // default: musicapp-nlb
	TargetGroup        string        `mapstructure:"target_group"`         // default: musicapp-targets
	Port               int32         `mapstructure:"port"`                 // default: 8080
	HealthInterval     int32         `mapstructure:"health_interval"`      // default: 30 (seconds)
	HealthyThreshold   int32         `mapstructure:"healthy_threshold"`    // default: 3
	UnhealthyThreshold int32         `mapstructure:"unhealthy_threshold"`  // default: 3
	HealthPolls        int           `mapstructure:"health_polls"`         // default: 20
	HealthPollInterval time.Duration `mapstructure:"health_poll_interval"` // default: 30s
	WaitTimeout        time.Duration `mapstructure:"wait_timeout"`         // default: 10m
}

type Notifications struct {
	Topic string `mapstructure:"topic"` // default: musicapp-sns-logging-topic
	Queue string `mapstructure:"queue"` // default: musicapp-sns-logging-queue
}

type App struct {
	Port         int32         `mapstructure:"port"`          // default: 8080
	RemoteRoot   string        `mapstructure:"remote_root"`   // default: /home/ec2-user/<repo>
	RepoURL      string        `mapstructure:"repo_url"`      // cloned into RemoteRoot by the built-in user data
	LocalRoot    string        `mapstructure:"local_root"`    // default: .
	ServerModule string        `mapstructure:"server_module"` // default: mvnProject-Server
	ClientModule string        `mapstructure:"client_module"` // default: mvnProject-Client
	BuildCommand string        `mapstructure:"build_command"` // default: mvn clean install
	SettleDelay  time.Duration `mapstructure:"settle_delay"`  // default: 15s
}

type GitHub struct {
	APIURL        string `mapstructure:"api_url"`  // default: https://api.github.com
	EnvFile       string `mapstructure:"env_file"` // default: .env
	TokenSecretID string `mapstructure:"token_secret_id"`
	Owner         string `mapstructure:"owner"` // default: parsed from the origin remote
	Repo          string `mapstructure:"repo"`  // default: parsed from the origin remote
}

const (
	DefaultRegion     = "us-east-1"
	DefaultRemoteRoot = "/home/ec2-user/Music-Databese-Query-App-for-Distributed-Systems-on-Cloud"
	LatestAMI         = "latest"
)

// ApplyDefaults fills every zero value with the stock deployment settings.
func (c *Config) ApplyDefaults() {
	if c.StatePath == "" {
		c.StatePath = "deploy_config.json"
	}

	a := &c.AWS
	a.Region = or(a.Region, DefaultRegion)
	a.KeyPairName = or(a.KeyPairName, "my-ec2-key")
	a.KeyDir = or(a.KeyDir, ".")
	a.RDSGroup = or(a.RDSGroup, "MusicAppRDSSecurityGroup")
	a.EC2Group = or(a.EC2Group, "MusicAppEC2SecurityGroup")
	a.Application = or(a.Application, "MusicApp")
	a.RoleName = or(a.RoleName, "musicapp-server-role")
	a.ProfileName = or(a.ProfileName, "musicapp-server-profile")

	i := &c.Instances
	i.AMI = or(i.AMI, "ami-09e6f87a47903347c")
	i.Type = or(i.Type, "t2.micro")
	if i.Clients == 0 {
		i.Clients = 2
	}
	i.SSHUser = or(i.SSHUser, "ec2-user")
	if i.SSHPort == 0 {
		i.SSHPort = 22
	}
	if i.SSHRetry == 0 {
		i.SSHRetry = 2 * time.Minute
	}
	i.ServerName = or(i.ServerName, "MusicAppServer")
	i.ClientName = or(i.ClientName, "MusicAppClient")
	if i.WaitTimeout == 0 {
		i.WaitTimeout = 15 * time.Minute
	}

	d := &c.Database
	d.Identifier = or(d.Identifier, "music-db-app-rds")
	d.Engine = or(d.Engine, "postgres")
	d.EngineVersion = or(d.EngineVersion, "17.4")
	d.Class = or(d.Class, "db.t3.micro")
	if d.AllocatedStorage == 0 {
		d.AllocatedStorage = 20
	}
	d.Username = or(d.Username, "dbadmin")
	d.Name = or(d.Name, "musicdb")
	if d.Port == 0 {
		d.Port = 5432
	}
	if d.MasterAttempts == 0 {
		d.MasterAttempts = 5
	}
	if d.MasterInterval == 0 {
		d.MasterInterval = 10 * time.Second
	}
	if d.AppAttempts == 0 {
		d.AppAttempts = 5
	}
	if d.AppInterval == 0 {
		d.AppInterval = 5 * time.Second
	}
	if d.WaitTimeout == 0 {
		d.WaitTimeout = 40 * time.Minute
	}

	l := &c.LoadBalancer
	l.Name = or(l.Name, "musicapp-nlb")
	l.TargetGroup = or(l.TargetGroup, "musicapp-targets")
	if l.Port == 0 {
		l.Port = 8080
	}
	if l.HealthInterval == 0 {
		l.HealthInterval = 30
	}
	if l.HealthyThreshold == 0 {
		l.HealthyThreshold = 3
	}
	if l.UnhealthyThreshold == 0 {
		l.UnhealthyThreshold = 3
	}
	if l.HealthPolls == 0 {
		l.HealthPolls = 20
	}
	if l.HealthPollInterval == 0 {
		l.HealthPollInterval = 30 * time.Second
	}
	if l.WaitTimeout == 0 {
		l.WaitTimeout = 10 * time.Minute
	}

	n := &c.Notifications
	n.Topic = or(n.Topic, "musicapp-sns-logging-topic")
	n.Queue = or(n.Queue, "musicapp-sns-logging-queue")

	p := &c.App
	if p.Port == 0 {
		p.Port = 8080
	}
	p.RemoteRoot = or(p.RemoteRoot, DefaultRemoteRoot)
	p.LocalRoot = or(p.LocalRoot, ".")
	p.ServerModule = or(p.ServerModule, "mvnProject-Server")
	p.ClientModule = or(p.ClientModule, "mvnProject-Client")
	p.BuildCommand = or(p.BuildCommand, "mvn clean install")
	if p.SettleDelay == 0 {
		p.SettleDelay = 15 * time.Second
	}

	g := &c.GitHub
	g.APIURL = or(g.APIURL, "https://api.github.com")
	g.EnvFile = or(g.EnvFile, ".env")
}

var ErrInvalid = errors.New("invalid configuration")

// Validate reports the first problem found in an already-defaulted Config.
func (c *Config) Validate() error {
	switch {
	case c.AWS.Region == "":
		return fmt.Errorf("%w: aws.region is required", ErrInvalid)
	case c.AWS.KeyPairName == "":
		return fmt.Errorf("%w: aws.key_pair is required", ErrInvalid)
	case c.Instances.Clients < 0:
		return fmt.Errorf("%w: instances.clients must not be negative", ErrInvalid)
	case c.Database.MasterAttempts < 1 || c.Database.AppAttempts < 1:
		return fmt.Errorf("%w: database connect attempts must be at least 1", ErrInvalid)
	}
	for name, port := range map[string]int32{
		"instances.ssh_port": c.Instances.SSHPort,
		"database.port":      c.Database.Port,
		"load_balancer.port": c.LoadBalancer.Port,
		"app.port":           c.App.Port,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: %s %d is out of range", ErrInvalid, name, port)
		}
	}
	return nil
}

// ValidateDatabase is called only by operations that create or connect to
// the database.
func (c *Config) ValidateDatabase() error {
	if c.Database.Password == "" {
		return fmt.Errorf("%w: database.password is required (set MUSICDEPLOY_DATABASE_PASSWORD)", ErrInvalid)
	}
	if len(c.Database.Password) < 8 {
		return fmt.Errorf("%w: database.password must be at least 8 characters", ErrInvalid)
	}
	return nil
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
